package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-ocr-llm/src/annotate"
	"exam-ocr-llm/src/config"
	"exam-ocr-llm/src/document"
	"exam-ocr-llm/src/llm"
	"exam-ocr-llm/src/prompt"
	"exam-ocr-llm/src/report"
)

const gradingJSON = `{"summary": "一对一错", "items": [
  {"question_id": "1", "status": "correct", "bbox": [100, 100, 500, 200], "analysis": "正确"},
  {"question_id": "2", "status": "incorrect", "bbox": [100, 300, 500, 400], "analysis": "计算错误"}
]}`

// stubAnalyzer answers from respond and records every instruction it saw.
type stubAnalyzer struct {
	mu           sync.Mutex
	instructions []string
	respond      func(call int, instruction string) llm.Result
}

func (s *stubAnalyzer) Analyze(_ context.Context, image []byte, instruction string) llm.Result {
	s.mu.Lock()
	call := len(s.instructions)
	s.instructions = append(s.instructions, instruction)
	s.mu.Unlock()
	if len(image) == 0 {
		return llm.Result{Err: &llm.TransportError{Message: "empty image"}}
	}
	return s.respond(call, instruction)
}

func (s *stubAnalyzer) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.instructions...)
}

func byInstruction(call int, instruction string) llm.Result {
	if instruction == prompt.Grading {
		return llm.Result{Text: gradingJSON}
	}
	return llm.Result{Text: "Hello world"}
}

// pagedSource expands PDFs into a fixed number of generated pages and
// defers images to the real expander.
type pagedSource struct {
	pages int
	real  *document.Expander
}

func (p pagedSource) ForEachPage(ctx context.Context, src document.Source, fn document.PageFunc) error {
	if src.Kind != document.KindPDF {
		return p.real.ForEachPage(ctx, src, fn)
	}
	for i := 0; i < p.pages; i++ {
		if err := fn(document.PageImage{Image: blankPage(300, 400), Index: i, Total: p.pages, Source: src.RelPath}); err != nil {
			return err
		}
	}
	return nil
}

func blankPage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func writeFixture(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	img := blankPage(400, 400)
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".png":
		require.NoError(t, png.Encode(f, img))
	case ".jpg", ".jpeg":
		require.NoError(t, jpeg.Encode(f, img, nil))
	default:
		_, err = f.WriteString("%PDF-1.4 placeholder")
		require.NoError(t, err)
	}
}

func testConfig() config.Config {
	return config.Config{APIToken: "test-token", ExamMarker: config.DefaultExamMarker, BatchConcurrency: 1}
}

func newTestRunner(cfg config.Config, a Analyzer, pages int) *Runner {
	src := pagedSource{pages: pages, real: document.NewExpander()}
	return NewRunner(cfg, a, src, prompt.NewRouter(cfg, nil), nil)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunEndToEnd(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "exam_test/试卷1.png")
	writeFixture(t, in, "notes/page.jpg")
	writeFixture(t, in, "notes/readme.txt")

	const reply = `{"summary":"Good","items":[{"question_id":"1","status":"correct","bbox":[100,100,400,400],"analysis":"ok"}]}`
	a := &stubAnalyzer{respond: func(_ int, instruction string) llm.Result {
		if instruction == prompt.Grading {
			return llm.Result{Text: reply}
		}
		return llm.Result{Text: "Hello world"}
	}}
	sum, err := newTestRunner(testConfig(), a, 1).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 2, sum.Written)
	assert.Equal(t, 0, sum.FailedFiles)
	assert.Equal(t, 2, sum.Pages)
	assert.Equal(t, 0, sum.FailedPages)
	assert.Equal(t, []string{prompt.Grading, prompt.Analysis}, a.calls())

	assert.Equal(t, "Hello world", readFile(t, filepath.Join(out, "notes", "page.md")))
	assert.NoFileExists(t, filepath.Join(out, "notes", "readme.md"))

	html := readFile(t, filepath.Join(out, "exam_test", "试卷1.html"))
	assert.Contains(t, html, "Good")
	assert.Equal(t, 1, strings.Count(html, `<div class="card `))
	assert.Contains(t, html, `<span class="badge correct">correct</span>`)
	assert.Contains(t, html, `<p class="analysis">ok</p>`)
	assert.NotContains(t, html, "<h2>Page")
	assert.NoFileExists(t, filepath.Join(out, "exam_test", "试卷1.md"))

	f, err := os.Open(filepath.Join(out, "exam_test", "试卷1_marked.jpg"))
	require.NoError(t, err)
	defer f.Close()
	marked, err := jpeg.Decode(f)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 400, 400), marked.Bounds())

	// [100,100,400,400] on 400x400 is the pixel box (40,40)-(160,160)
	rect := annotate.PixelRect(report.BBox{100, 100, 400, 400}, 400, 400).Image(marked.Bounds())
	require.Equal(t, image.Rect(40, 40, 160, 160), rect)

	green := func(x, y int) bool {
		r, g, b, _ := marked.At(x, y).RGBA()
		return int(g>>8)-int(r>>8) > 60 && int(g>>8)-int(b>>8) > 30
	}
	white := func(x, y int) bool {
		r, g, b, _ := marked.At(x, y).RGBA()
		return r>>8 > 220 && g>>8 > 220 && b>>8 > 220
	}
	// the outline is drawn inward from the box edges
	assert.True(t, green(41, 100), "left edge")
	assert.True(t, green(158, 100), "right edge")
	assert.True(t, green(100, 41), "top edge")
	assert.True(t, green(100, 158), "bottom edge")
	assert.True(t, white(36, 100), "outside left")
	assert.True(t, white(164, 100), "outside right")
	assert.True(t, white(100, 36), "outside top")
	assert.True(t, white(100, 164), "outside bottom")
	assert.True(t, white(100, 120), "inside")
}

func TestRunIsIdempotent(t *testing.T) {
	in := t.TempDir()
	writeFixture(t, in, "notes/page.jpg")
	writeFixture(t, in, "notes/book.pdf")
	writeFixture(t, in, "试卷/scan.pdf")

	var outputs [2]map[string]string
	for i := range outputs {
		out := t.TempDir()
		_, err := newTestRunner(testConfig(), &stubAnalyzer{respond: byInstruction}, 3).Run(context.Background(), in, out)
		require.NoError(t, err)
		outputs[i] = map[string]string{}
		for _, rel := range []string{"notes/page.md", "notes/book.md", "试卷/scan.html"} {
			outputs[i][rel] = readFile(t, filepath.Join(out, filepath.FromSlash(rel)))
		}
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestMalformedResponseDoesNotStopRun(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "a/试卷1.png")
	writeFixture(t, in, "b/试卷2.png")
	writeFixture(t, in, "c/page.png")

	a := &stubAnalyzer{respond: func(call int, instruction string) llm.Result {
		if call == 0 {
			return llm.Result{Text: "这份试卷整体不错 {"}
		}
		return byInstruction(call, instruction)
	}}
	sum, err := newTestRunner(testConfig(), a, 1).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Len(t, a.calls(), 3)
	assert.Equal(t, 3, sum.Written)
	assert.Equal(t, 1, sum.FailedPages)

	failed := readFile(t, filepath.Join(out, "a", "试卷1.html"))
	assert.Contains(t, failed, "card error")
	assert.Contains(t, failed, "malformed grading report")
	assert.NoFileExists(t, filepath.Join(out, "a", "试卷1_marked.jpg"))

	assert.NotContains(t, readFile(t, filepath.Join(out, "b", "试卷2.html")), "card error")
	assert.FileExists(t, filepath.Join(out, "b", "试卷2_marked.jpg"))
	assert.Equal(t, "Hello world", readFile(t, filepath.Join(out, "c", "page.md")))
}

func TestMultiPageClassificationIsPerDocument(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "试卷/scan.pdf")
	writeFixture(t, in, "notes/book.pdf")

	a := &stubAnalyzer{respond: byInstruction}
	sum, err := newTestRunner(testConfig(), a, 3).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Pages)

	calls := a.calls()
	require.Len(t, calls, 6)
	// notes/book.pdf sorts before 试卷/scan.pdf
	assert.Equal(t, []string{prompt.Analysis, prompt.Analysis, prompt.Analysis}, calls[:3])
	assert.Equal(t, []string{prompt.Grading, prompt.Grading, prompt.Grading}, calls[3:])

	md := readFile(t, filepath.Join(out, "notes", "book.md"))
	assert.Equal(t, "## Page 1\n\nHello world\n\n---\n\n## Page 2\n\nHello world\n\n---\n\n## Page 3\n\nHello world", md)

	html := readFile(t, filepath.Join(out, "试卷", "scan.html"))
	for _, n := range []string{"1", "2", "3"} {
		assert.Contains(t, html, "<h2>Page "+n+"</h2>")
		assert.FileExists(t, filepath.Join(out, "试卷", "scan_p"+n+"_marked.jpg"))
	}
	assert.NoFileExists(t, filepath.Join(out, "试卷", "scan_marked.jpg"))
}

func TestExplicitModeOverridesMarker(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "notes/page.jpg")

	cfg := testConfig()
	cfg.DocumentMode = config.DocumentExam
	a := &stubAnalyzer{respond: byInstruction}
	_, err := newTestRunner(cfg, a, 1).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Equal(t, []string{prompt.Grading}, a.calls())
	assert.FileExists(t, filepath.Join(out, "notes", "page.html"))
}

func TestMissingCredentialTouchesNothing(t *testing.T) {
	in := t.TempDir()
	writeFixture(t, in, "notes/page.jpg")
	out := filepath.Join(t.TempDir(), "results")

	cfg := testConfig()
	cfg.APIToken = ""
	a := &stubAnalyzer{respond: byInstruction}
	_, err := newTestRunner(cfg, a, 1).Run(context.Background(), in, out)

	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Empty(t, a.calls())
	assert.NoDirExists(t, out)
}

func TestTransportFailureIsRecordedInMarkdown(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "notes/page.jpg")

	a := &stubAnalyzer{respond: func(int, string) llm.Result {
		return llm.Result{Err: &llm.TransportError{StatusCode: 500, Message: "server error"}}
	}}
	sum, err := newTestRunner(testConfig(), a, 1).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Written)
	assert.Equal(t, 1, sum.FailedPages)
	assert.True(t, strings.HasPrefix(readFile(t, filepath.Join(out, "notes", "page.md")), llm.FailureMarker))
}

func TestOutputInsideInputIsNotRediscovered(t *testing.T) {
	in := t.TempDir()
	writeFixture(t, in, "试卷1.png")
	out := filepath.Join(in, "results")

	for i := 0; i < 2; i++ {
		sum, err := newTestRunner(testConfig(), &stubAnalyzer{respond: byInstruction}, 1).Run(context.Background(), in, out)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Files, "run %d", i)
	}
	assert.FileExists(t, filepath.Join(out, "试卷1_marked.jpg"))
}

func TestOutputEqualToInputIsNotRediscovered(t *testing.T) {
	in := t.TempDir()
	writeFixture(t, in, "试卷1.png")
	writeFixture(t, in, "scans/试卷2.pdf")

	for i := 0; i < 2; i++ {
		a := &stubAnalyzer{respond: byInstruction}
		sum, err := newTestRunner(testConfig(), a, 2).Run(context.Background(), in, in)
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Files, "run %d", i)
		assert.Len(t, a.calls(), 3, "run %d", i)
	}
	assert.FileExists(t, filepath.Join(in, "试卷1_marked.jpg"))
	assert.FileExists(t, filepath.Join(in, "scans", "试卷2_p2_marked.jpg"))
	assert.NoFileExists(t, filepath.Join(in, "试卷1_marked.html"))
	assert.NoFileExists(t, filepath.Join(in, "试卷1_marked_marked.jpg"))
}

func TestMarkedImageNamesAreRecognized(t *testing.T) {
	for _, name := range []string{MarkedImageName("试卷1", 1, 1), MarkedImageName("scan", 3, 4)} {
		assert.True(t, document.IsMarkedImage(name), name)
	}
}

func TestUnwritableOutputFailsOnlyThatFile(t *testing.T) {
	in := t.TempDir()
	writeFixture(t, in, "notes/page.jpg")
	writeFixture(t, in, "other/page.jpg")

	out := t.TempDir()
	// a regular file where the notes directory should go
	require.NoError(t, os.WriteFile(filepath.Join(out, "notes"), []byte("x"), 0o644))

	rec := &recordingReporter{}
	cfg := testConfig()
	r := NewRunner(cfg, &stubAnalyzer{respond: byInstruction}, document.NewExpander(), prompt.NewRouter(cfg, nil), rec)
	sum, err := r.Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.FailedFiles)
	assert.Equal(t, 1, sum.Written)
	assert.FileExists(t, filepath.Join(out, "other", "page.md"))

	var resErr *ResourceError
	require.True(t, errors.As(rec.fileErrs["notes/page.jpg"], &resErr))
	assert.NoError(t, rec.fileErrs["other/page.jpg"])
}

func TestFailedMarkedImageListsOrphans(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "exam/试卷.pdf")
	// a directory where the second marked page should be written
	require.NoError(t, os.MkdirAll(filepath.Join(out, "exam", "试卷_p2_marked.jpg"), 0o755))

	rec := &recordingReporter{}
	cfg := testConfig()
	src := pagedSource{pages: 3, real: document.NewExpander()}
	a := &stubAnalyzer{respond: byInstruction}
	sum, err := NewRunner(cfg, a, src, prompt.NewRouter(cfg, nil), rec).Run(context.Background(), in, out)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.FailedFiles)
	assert.Len(t, a.calls(), 2, "the document stops at the failed write")
	assert.NoFileExists(t, filepath.Join(out, "exam", "试卷.html"))

	fileErr := rec.fileErrs["exam/试卷.pdf"]
	var orphans *OrphanedImagesError
	require.True(t, errors.As(fileErr, &orphans))
	first := filepath.Join(out, "exam", "试卷_p1_marked.jpg")
	assert.Equal(t, []string{first}, orphans.Paths)
	assert.FileExists(t, first)
	assert.Contains(t, fileErr.Error(), first)

	var resErr *ResourceError
	assert.True(t, errors.As(fileErr, &resErr))
}

func TestConcurrentRunMatchesSequential(t *testing.T) {
	in := t.TempDir()
	for _, rel := range []string{"a/1.png", "a/2.png", "b/试卷3.png", "c/4.jpg", "d/book.pdf"} {
		writeFixture(t, in, rel)
	}

	run := func(concurrency int) map[string]string {
		out := t.TempDir()
		cfg := testConfig()
		cfg.BatchConcurrency = concurrency
		sum, err := newTestRunner(cfg, &stubAnalyzer{respond: byInstruction}, 2).Run(context.Background(), in, out)
		require.NoError(t, err)
		assert.Equal(t, 5, sum.Written)

		files := map[string]string{}
		require.NoError(t, filepath.WalkDir(out, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || filepath.Ext(path) == ".jpg" {
				return err
			}
			rel, _ := filepath.Rel(out, path)
			files[filepath.ToSlash(rel)] = readFile(t, path)
			return nil
		}))
		return files
	}
	assert.Equal(t, run(1), run(4))
}

func TestCancelledRun(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "notes/page.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &stubAnalyzer{respond: byInstruction}
	_, err := newTestRunner(testConfig(), a, 1).Run(ctx, in, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, a.calls())
}

func TestMarkedImageName(t *testing.T) {
	assert.Equal(t, "试卷1_marked.jpg", MarkedImageName("试卷1", 1, 1))
	assert.Equal(t, "scan_p2_marked.jpg", MarkedImageName("scan", 2, 3))
}

type recordingReporter struct {
	NopReporter
	mu       sync.Mutex
	fileErrs map[string]error
}

func (r *recordingReporter) FileDone(relPath, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fileErrs == nil {
		r.fileErrs = map[string]error{}
	}
	r.fileErrs[relPath] = err
}

func TestJSONReporter(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFixture(t, in, "notes/page.jpg")

	var buf bytes.Buffer
	cfg := testConfig()
	r := NewRunner(cfg, &stubAnalyzer{respond: byInstruction}, document.NewExpander(), prompt.NewRouter(cfg, nil), NewJSONReporter(&buf))
	sum, err := r.Run(context.Background(), in, out)
	require.NoError(t, err)

	var events []Event
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 5)

	types := []string{}
	for _, ev := range events {
		types = append(types, ev.Type)
		assert.Equal(t, sum.RunID, ev.RunID)
	}
	assert.Equal(t, []string{"start", "file_start", "page", "file_done", "summary"}, types)
	assert.Equal(t, "notes/page.jpg", events[3].File)
	assert.Equal(t, filepath.Join(out, "notes", "page.md"), events[3].Output)
	require.NotNil(t, events[4].Summary)
	assert.Equal(t, 1, events[4].Summary.Written)
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf)
	c.Start("run", 1)
	c.FileStarted("a.png", 1, 1)
	c.PageDone("a.png", 1, 1, errors.New("boom"))
	c.FileDone("a.png", "out/a.md", nil)
	c.Finish(Summary{Files: 1, Written: 1, Pages: 1, FailedPages: 1})

	out := buf.String()
	assert.Contains(t, out, "[1/1] Processing a.png")
	assert.Contains(t, out, "✗ a.png page 1/1: boom")
	assert.Contains(t, out, "Saved: out/a.md")
	assert.Contains(t, out, "1/1 file(s) written")
}
