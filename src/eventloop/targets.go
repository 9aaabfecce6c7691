package eventloop

import (
	"encoding/json"
	"fmt"
	"io"
	"log"

	"exam-ocr-llm/src/clipboard"
	"exam-ocr-llm/src/report"
)

// ClipboardTarget copies results to the clipboard and reports status
// through Notify.
type ClipboardTarget struct {
	Notify func(message string)
}

func (t ClipboardTarget) notify(msg string) {
	if t.Notify != nil {
		t.Notify(msg)
	}
}

func (t ClipboardTarget) OnSuccess(text string) error {
	if text == "" {
		t.notify("No text recognized")
		return nil
	}
	if err := clipboard.Write(text); err != nil {
		return err
	}
	t.notify("Copied to clipboard")
	return nil
}

func (t ClipboardTarget) OnFailure(err error) {
	log.Printf("ClipboardTarget: %v", err)
	t.notify("Error: " + err.Error())
}

// Output is the JSON shape written by WriterTarget.
type Output struct {
	Success bool   `json:"success"`
	Format  string `json:"format,omitempty"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriterTarget prints one result and then closes Done.
type WriterTarget struct {
	W    io.Writer
	JSON bool
	Done chan error
}

func NewWriterTarget(w io.Writer, asJSON bool) *WriterTarget {
	return &WriterTarget{W: w, JSON: asJSON, Done: make(chan error, 1)}
}

func (t *WriterTarget) OnSuccess(text string) error {
	var err error
	if t.JSON {
		err = t.writeJSON(Output{Success: true, Format: Format(text), Text: text})
	} else {
		_, err = fmt.Fprintln(t.W, text)
	}
	t.Done <- err
	return err
}

func (t *WriterTarget) OnFailure(err error) {
	if t.JSON {
		_ = t.writeJSON(Output{Success: false, Error: err.Error()})
	}
	select {
	case t.Done <- err:
	default:
	}
}

func (t *WriterTarget) writeJSON(out Output) error {
	enc := json.NewEncoder(t.W)
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

// Format guesses how a recognition result should be displayed.
func Format(text string) string {
	if report.IsTable(text) {
		return "html"
	}
	return "text"
}
