package logutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "********", RedactKey("short"))
	assert.Equal(t, "abcd...5678", RedactKey("abcd1234efgh5678"))
}

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"newlines", "a\nb\r\nc", `a\nb\n\nc`},
		{"tab and control", "a\tb\x01", `a\tb?`},
		{"multibyte kept whole", "试卷", "试卷"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeForLog(tt.in))
		})
	}

	got := []rune(SanitizeForLog(strings.Repeat("字", maxLogText+20)))
	assert.Len(t, got, maxLogText+3)
	assert.Equal(t, "...", string(got[maxLogText:]))
}

func TestRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewRotator(path, 10, 2)
	require.NoError(t, err)
	defer r.Close()

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := r.Write([]byte(line))
		require.NoError(t, err)
	}

	read := func(name string) string {
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "dddddddd\n", read(path))
	assert.Equal(t, "cccccccc\n", read(path+".1"))
	assert.Equal(t, "bbbbbbbb\n", read(path+".2"))
	assert.NoFileExists(t, path+".3")
}

func TestRotatorShiftsOversizedFileOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 32)), 0o644))

	r, err := NewRotator(path, 16, 3)
	require.NoError(t, err)
	_, err = r.Write([]byte("fresh\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(data))
	assert.FileExists(t, path+".1")
}

func TestRotatorKeepsOversizedSingleWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewRotator(path, 4, 1)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Write([]byte("longer than max\n"))
	require.NoError(t, err)
	assert.NoFileExists(t, path+".1")
}
