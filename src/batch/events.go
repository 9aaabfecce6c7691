package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Reporter receives progress from a run. Calls may come from several
// goroutines when the run is concurrent.
type Reporter interface {
	Start(runID string, files int)
	FileStarted(relPath string, index, files int)
	PageDone(relPath string, page, pages int, err error)
	FileDone(relPath, artifact string, err error)
	Finish(sum Summary)
}

type NopReporter struct{}

func (NopReporter) Start(string, int)                {}
func (NopReporter) FileStarted(string, int, int)     {}
func (NopReporter) PageDone(string, int, int, error) {}
func (NopReporter) FileDone(string, string, error)   {}
func (NopReporter) Finish(Summary)                   {}

// ConsoleReporter prints human readable progress lines.
type ConsoleReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

func (c *ConsoleReporter) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *ConsoleReporter) Start(runID string, files int) {
	c.printf("Found %d file(s) to process (run %s)\n", files, runID)
}

func (c *ConsoleReporter) FileStarted(relPath string, index, files int) {
	c.printf("[%d/%d] Processing %s\n", index, files, relPath)
}

func (c *ConsoleReporter) PageDone(relPath string, page, pages int, err error) {
	if err != nil {
		c.printf("  ✗ %s page %d/%d: %v\n", relPath, page, pages, err)
		return
	}
	c.printf("  %s page %d/%d done\n", relPath, page, pages)
}

func (c *ConsoleReporter) FileDone(relPath, artifact string, err error) {
	if err != nil {
		c.printf("  ✗ %s: %v\n", relPath, err)
		return
	}
	c.printf("  Saved: %s\n", artifact)
}

func (c *ConsoleReporter) Finish(sum Summary) {
	c.printf("Done: %d/%d file(s) written, %d failed; %d page(s), %d failed; %s\n",
		sum.Written, sum.Files, sum.FailedFiles, sum.Pages, sum.FailedPages, sum.Elapsed.Round(time.Millisecond))
}

// Event is one line of the JSON progress stream.
type Event struct {
	Type    string   `json:"type"`
	RunID   string   `json:"run_id"`
	File    string   `json:"file,omitempty"`
	Index   int      `json:"index,omitempty"`
	Total   int      `json:"total,omitempty"`
	Page    int      `json:"page,omitempty"`
	Output  string   `json:"output,omitempty"`
	Error   string   `json:"error,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

// JSONReporter writes one JSON object per line.
type JSONReporter struct {
	mu    sync.Mutex
	w     *bufio.Writer
	enc   *json.Encoder
	runID string
}

func NewJSONReporter(w io.Writer) *JSONReporter {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONReporter{w: buf, enc: enc}
}

func (j *JSONReporter) emit(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if ev.RunID == "" {
		ev.RunID = j.runID
	}
	_ = j.enc.Encode(ev)
	_ = j.w.Flush()
}

func (j *JSONReporter) Start(runID string, files int) {
	j.mu.Lock()
	j.runID = runID
	j.mu.Unlock()
	j.emit(Event{Type: "start", Total: files})
}

func (j *JSONReporter) FileStarted(relPath string, index, files int) {
	j.emit(Event{Type: "file_start", File: relPath, Index: index, Total: files})
}

func (j *JSONReporter) PageDone(relPath string, page, pages int, err error) {
	j.emit(Event{Type: "page", File: relPath, Page: page, Total: pages, Error: errString(err)})
}

func (j *JSONReporter) FileDone(relPath, artifact string, err error) {
	j.emit(Event{Type: "file_done", File: relPath, Output: artifact, Error: errString(err)})
}

func (j *JSONReporter) Finish(sum Summary) {
	j.emit(Event{Type: "summary", Summary: &sum})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
