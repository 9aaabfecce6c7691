package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	// LogFileName is created in the working directory when file logging is on.
	LogFileName = "exam_ocr_debug.log"

	maxSizeBytes = 10 * 1024 * 1024
	maxArchives  = 3
	maxLogText   = 100
)

// Setup routes the standard logger. With file logging disabled everything is
// discarded so console progress stays readable.
func Setup(enableFileLogging bool) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if !enableFileLogging {
		log.SetOutput(io.Discard)
		return
	}
	r, err := NewRotator(LogFileName, maxSizeBytes, maxArchives)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(r)
}

// Verbose sends log output to stderr; used by the --verbose flags.
func Verbose() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// Rotator is an append-only log file that moves itself to path.1 .. path.N
// once it would grow past maxSize. The oldest archive is dropped.
type Rotator struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	archives int
	f        *os.File
	size     int64
}

func NewRotator(path string, maxSize int64, archives int) (*Rotator, error) {
	r := &Rotator{path: path, maxSize: maxSize, archives: archives}
	if st, err := os.Stat(path); err == nil && st.Size() > maxSize {
		r.shift()
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f, r.size = f, st.Size()
	return nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		_ = r.f.Close()
		r.shift()
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func (r *Rotator) shift() {
	_ = os.Remove(r.archive(r.archives))
	for i := r.archives - 1; i >= 1; i-- {
		_ = os.Rename(r.archive(i), r.archive(i+1))
	}
	_ = os.Rename(r.path, r.archive(1))
}

func (r *Rotator) archive(n int) string { return fmt.Sprintf("%s.%d", r.path, n) }

// RedactKey masks a token for logs: abcd...wxyz.
func RedactKey(k string) string {
	if len(k) <= 8 {
		return "********"
	}
	return k[:4] + "..." + k[len(k)-4:]
}

// SanitizeForLog truncates model text and escapes control characters so a
// reply cannot inject fake log lines.
func SanitizeForLog(text string) string {
	runes := []rune(text)
	truncated := len(runes) > maxLogText
	if truncated {
		runes = runes[:maxLogText]
	}

	var b strings.Builder
	for _, r := range runes {
		switch {
		case r == '\n' || r == '\r':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 32 || r == 127:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	if truncated {
		b.WriteString("...")
	}
	return b.String()
}
