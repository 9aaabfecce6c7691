package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"exam-ocr-llm/src/llm"
	"exam-ocr-llm/src/prompt"
)

// NoSummary stands in for a grading report that came back without one.
const NoSummary = "(no summary)"

type Status int

const (
	StatusUnknown Status = iota
	StatusCorrect
	StatusIncorrect
)

func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "correct":
		return StatusCorrect
	case "incorrect":
		return StatusIncorrect
	default:
		return StatusUnknown
	}
}

func (s Status) String() string {
	switch s {
	case StatusCorrect:
		return "correct"
	case StatusIncorrect:
		return "incorrect"
	default:
		return "unknown"
	}
}

// BBox is [x1, y1, x2, y2] on a 0-1000 grid relative to the page size.
type BBox [4]float64

type GradingItem struct {
	QuestionID string
	Status     Status
	BBox       json.RawMessage
	Analysis   string
}

// Box reports whether the item carries exactly four numeric coordinates.
func (it GradingItem) Box() (BBox, bool) {
	var b BBox
	if len(it.BBox) == 0 {
		return b, false
	}
	dec := json.NewDecoder(bytes.NewReader(it.BBox))
	dec.UseNumber()
	var values []any
	if err := dec.Decode(&values); err != nil || len(values) != len(b) {
		return b, false
	}
	for i, v := range values {
		f, ok := asFloat(v)
		if !ok {
			return b, false
		}
		b[i] = f
	}
	return b, true
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Result is either PlainText or *GradingReport.
type Result interface {
	Kind() prompt.Kind
}

type PlainText string

func (PlainText) Kind() prompt.Kind { return prompt.KindGeneral }

type GradingReport struct {
	Summary string
	Items   []GradingItem
}

func (*GradingReport) Kind() prompt.Kind { return prompt.KindExam }

// Counts returns the number of items per status.
func (r *GradingReport) Counts() (correct, incorrect, unknown int) {
	for _, it := range r.Items {
		switch it.Status {
		case StatusCorrect:
			correct++
		case StatusIncorrect:
			incorrect++
		default:
			unknown++
		}
	}
	return
}

type MalformedReportError struct {
	Snippet string
	Err     error
}

func (e *MalformedReportError) Error() string {
	return fmt.Sprintf("malformed grading report: %v (response starts with %q)", e.Err, e.Snippet)
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

type wireReport struct {
	Summary *string     `json:"summary"`
	Items   []*wireItem `json:"items"`
}

type wireItem struct {
	QuestionID json.RawMessage `json:"question_id"`
	Status     json.RawMessage `json:"status"`
	BBox       json.RawMessage `json:"bbox"`
	Analysis   json.RawMessage `json:"analysis"`
}

// Parse interprets raw model output for a document of the given kind.
// Grading reports must be a single JSON object; there is no partial recovery.
func Parse(raw string, kind prompt.Kind) (Result, error) {
	text := llm.StripFences(raw)
	if kind != prompt.KindExam {
		return PlainText(text), nil
	}

	if !strings.HasPrefix(text, "{") {
		return nil, malformed(text, fmt.Errorf("expected a JSON object"))
	}
	var w wireReport
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return nil, malformed(text, err)
	}

	rep := &GradingReport{Summary: NoSummary, Items: []GradingItem{}}
	if w.Summary != nil {
		rep.Summary = *w.Summary
	}
	for i, wi := range w.Items {
		if wi == nil {
			return nil, malformed(text, fmt.Errorf("items[%d] is null", i))
		}
		item := GradingItem{
			QuestionID: scalarText(wi.QuestionID),
			Analysis:   scalarText(wi.Analysis),
		}
		item.Status = ParseStatus(scalarText(wi.Status))
		if len(wi.BBox) > 0 && string(wi.BBox) != "null" {
			item.BBox = append(json.RawMessage(nil), wi.BBox...)
		}
		rep.Items = append(rep.Items, item)
	}
	return rep, nil
}

// scalarText accepts strings as-is and keeps the literal JSON of numbers,
// since question ids frequently come back unquoted.
func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func malformed(text string, err error) *MalformedReportError {
	snippet := []rune(text)
	if len(snippet) > 60 {
		snippet = snippet[:60]
	}
	return &MalformedReportError{Snippet: string(snippet), Err: err}
}

// IsTable reports whether a recognition result is an HTML table.
func IsTable(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "<table") || strings.Contains(lower, "<tr")
}
