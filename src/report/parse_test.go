package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-ocr-llm/src/prompt"
)

func TestParseGeneralIsIdentity(t *testing.T) {
	res, err := Parse("  Hello world\n", prompt.KindGeneral)
	require.NoError(t, err)
	assert.Equal(t, PlainText("Hello world"), res)
	assert.Equal(t, prompt.KindGeneral, res.Kind())

	res, err = Parse("```\n# Title\n```", prompt.KindGeneral)
	require.NoError(t, err)
	assert.Equal(t, PlainText("# Title"), res)
}

func TestParseGradingReport(t *testing.T) {
	raw := "```json\n" + `{
  "summary": "两题一对一错",
  "items": [
    {"question_id": "1", "status": "correct", "bbox": [100, 100, 500, 200], "analysis": "正确"},
    {"question_id": 2, "status": "INCORRECT", "bbox": [100, 300, 500, 400], "analysis": "计算错误"},
    {"question_id": "3", "status": "partial", "analysis": "部分正确"}
  ]
}` + "\n```"

	res, err := Parse(raw, prompt.KindExam)
	require.NoError(t, err)
	rep, ok := res.(*GradingReport)
	require.True(t, ok)

	assert.Equal(t, "两题一对一错", rep.Summary)
	require.Len(t, rep.Items, 3)

	assert.Equal(t, "1", rep.Items[0].QuestionID)
	assert.Equal(t, StatusCorrect, rep.Items[0].Status)
	box, ok := rep.Items[0].Box()
	require.True(t, ok)
	assert.Equal(t, BBox{100, 100, 500, 200}, box)

	assert.Equal(t, "2", rep.Items[1].QuestionID)
	assert.Equal(t, StatusIncorrect, rep.Items[1].Status)

	assert.Equal(t, StatusUnknown, rep.Items[2].Status)
	_, ok = rep.Items[2].Box()
	assert.False(t, ok)

	c, i, u := rep.Counts()
	assert.Equal(t, []int{1, 1, 1}, []int{c, i, u})
}

func TestParseDefaults(t *testing.T) {
	res, err := Parse(`{}`, prompt.KindExam)
	require.NoError(t, err)
	rep := res.(*GradingReport)
	assert.Equal(t, NoSummary, rep.Summary)
	assert.NotNil(t, rep.Items)
	assert.Empty(t, rep.Items)

	res, err = Parse(`{"summary": "ok", "items": null}`, prompt.KindExam)
	require.NoError(t, err)
	assert.Empty(t, res.(*GradingReport).Items)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"prose", "这张试卷整体不错"},
		{"truncated", `{"summary": "x", "items": [`},
		{"items not array", `{"items": {"question_id": "1"}}`},
		{"item not object", `{"items": [1, 2]}`},
		{"null item", `{"items": [null]}`},
		{"summary not string", `{"summary": 5}`},
		{"top-level array", `[{"question_id": "1"}]`},
		{"trailing text", `{"summary": "x"} 以上是批改结果`},
		{"null", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.raw, prompt.KindExam)
			require.Error(t, err)
			assert.Nil(t, res)
			var mErr *MalformedReportError
			assert.True(t, errors.As(err, &mErr))
		})
	}
}

func TestBox(t *testing.T) {
	tests := []struct {
		raw  string
		want BBox
		ok   bool
	}{
		{`[0, 0, 1000, 1000]`, BBox{0, 0, 1000, 1000}, true},
		{`[1.5, 2.25, 3, 4]`, BBox{1.5, 2.25, 3, 4}, true},
		{`[1, 2, 3]`, BBox{}, false},
		{`[1, 2, 3, 4, 5]`, BBox{}, false},
		{`[1, "2", 3, 4]`, BBox{}, false},
		{`"10,20,30,40"`, BBox{}, false},
		{``, BBox{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := GradingItem{BBox: []byte(tt.raw)}.Box()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIsTable(t *testing.T) {
	assert.True(t, IsTable("<table><tr><td>1</td></tr></table>"))
	assert.True(t, IsTable("<TR><td>x</td></TR>"))
	assert.False(t, IsTable("plain text"))
}
