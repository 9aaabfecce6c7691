package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"exam-ocr-llm/src/annotate"
	"exam-ocr-llm/src/config"
	"exam-ocr-llm/src/document"
	"exam-ocr-llm/src/llm"
	"exam-ocr-llm/src/logutil"
	"exam-ocr-llm/src/prompt"
	"exam-ocr-llm/src/report"
)

// Analyzer sends one page to the model.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, instruction string) llm.Result
}

// PageSource expands documents into pages. Every page carries the
// document's page count.
type PageSource interface {
	ForEachPage(ctx context.Context, src document.Source, fn document.PageFunc) error
}

// ResourceError reports an output path that could not be created or written.
type ResourceError struct {
	Path string
	Op   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// OrphanedImagesError is a document failure that happened after some of its
// marked images were written. Those files stay on disk without a report.
type OrphanedImagesError struct {
	Paths []string
	Err   error
}

func (e *OrphanedImagesError) Error() string {
	return fmt.Sprintf("%v (marked images left without a report: %s)", e.Err, strings.Join(e.Paths, ", "))
}

func (e *OrphanedImagesError) Unwrap() error { return e.Err }

// Artifact describes what was written for one source document.
type Artifact struct {
	Path         string
	Content      string
	MarkedImages []string
}

type Summary struct {
	RunID       string        `json:"run_id"`
	Files       int           `json:"files"`
	Written     int           `json:"written"`
	FailedFiles int           `json:"failed_files"`
	Pages       int           `json:"pages"`
	FailedPages int           `json:"failed_pages"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

type counters struct {
	written     atomic.Int64
	failedFiles atomic.Int64
	pages       atomic.Int64
	failedPages atomic.Int64
}

// Runner processes a directory tree of documents. A Runner holds no
// per-run state and may be reused.
type Runner struct {
	cfg      config.Config
	analyzer Analyzer
	pages    PageSource
	router   prompt.Router
	reporter Reporter
}

func NewRunner(cfg config.Config, analyzer Analyzer, pages PageSource, router prompt.Router, reporter Reporter) *Runner {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Runner{cfg: cfg, analyzer: analyzer, pages: pages, router: router, reporter: reporter}
}

// Run processes every supported file under inputRoot and mirrors the
// results under outputRoot. Failures of single pages or files are reported
// and counted but never stop the run; only configuration and discovery
// errors are returned.
func (r *Runner) Run(ctx context.Context, inputRoot, outputRoot string) (Summary, error) {
	if err := r.cfg.Validate(); err != nil {
		return Summary{}, err
	}

	start := time.Now()
	sum := Summary{RunID: uuid.NewString()}

	sources, err := document.Discover(inputRoot, outputRoot)
	if err != nil {
		return sum, err
	}
	sum.Files = len(sources)
	r.reporter.Start(sum.RunID, len(sources))
	log.Printf("batch %s: %d files under %s, concurrency %d", sum.RunID, len(sources), inputRoot, r.concurrency())

	var c counters
	p := pool.New().WithMaxGoroutines(r.concurrency())
	for i, src := range sources {
		i, src := i, src
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			r.reporter.FileStarted(src.RelPath, i+1, len(sources))
			artifact, err := r.processDocument(ctx, src, outputRoot, &c)
			if err != nil {
				c.failedFiles.Add(1)
				log.Printf("batch %s: %s failed: %v", sum.RunID, src.RelPath, err)
			} else {
				c.written.Add(1)
			}
			r.reporter.FileDone(src.RelPath, artifact.Path, err)
		})
	}
	p.Wait()

	sum.Written = int(c.written.Load())
	sum.FailedFiles = int(c.failedFiles.Load())
	sum.Pages = int(c.pages.Load())
	sum.FailedPages = int(c.failedPages.Load())
	sum.Elapsed = time.Since(start)
	r.reporter.Finish(sum)

	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (r *Runner) concurrency() int {
	if r.cfg.BatchConcurrency < 1 {
		return 1
	}
	return r.cfg.BatchConcurrency
}

// processDocument classifies src once and sends each page through the
// matching pipeline. Pages are processed in order, one at a time.
func (r *Runner) processDocument(ctx context.Context, src document.Source, outputRoot string, c *counters) (artifact Artifact, err error) {
	kind, instruction := r.router.Select(src.RelPath)

	outDir := filepath.Join(outputRoot, filepath.FromSlash(path.Dir(src.RelPath)))
	base := strings.TrimSuffix(path.Base(src.RelPath), path.Ext(src.RelPath))

	var (
		markdown []report.Page
		graded   []report.HTMLPage
		marked   []string
	)
	defer func() {
		if err != nil && len(marked) > 0 {
			err = &OrphanedImagesError{Paths: marked, Err: err}
		}
	}()

	err = r.pages.ForEachPage(ctx, src, func(page document.PageImage) error {
		c.pages.Add(1)
		number, total := page.Number(), max(page.Total, 1)
		if page.Index == 0 {
			log.Printf("%s: %s document, %d page(s)", src.RelPath, kind, total)
		}

		upload, err := document.EncodeJPEG(page.Image, r.cfg.MaxImageSide)
		if err != nil {
			c.failedPages.Add(1)
			r.reporter.PageDone(src.RelPath, number, total, err)
			if kind == prompt.KindExam {
				graded = append(graded, report.HTMLPage{Number: number, Err: err.Error()})
			} else {
				markdown = append(markdown, report.Page{Number: number, Text: llm.FailureMarker + err.Error()})
			}
			return nil
		}
		res := r.analyzer.Analyze(ctx, upload, instruction)

		if kind != prompt.KindExam {
			text := res.Output()
			var pageErr error
			if res.Failed() {
				c.failedPages.Add(1)
				pageErr = res.Err
			} else if parsed, err := report.Parse(res.Text, kind); err == nil {
				text = string(parsed.(report.PlainText))
			}
			markdown = append(markdown, report.Page{Number: number, Text: text})
			r.reporter.PageDone(src.RelPath, number, total, pageErr)
			return nil
		}

		hp, name, pageErr := r.gradePage(page, res, total, outDir, base)
		if pageErr != nil {
			var resErr *ResourceError
			if errors.As(pageErr, &resErr) {
				return pageErr
			}
			c.failedPages.Add(1)
		}
		if name != "" {
			marked = append(marked, filepath.Join(outDir, name))
		}
		graded = append(graded, hp)
		r.reporter.PageDone(src.RelPath, number, total, pageErr)
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}

	artifact = Artifact{MarkedImages: marked}
	if kind == prompt.KindExam {
		artifact.Path = filepath.Join(outDir, base+".html")
		artifact.Content, err = report.HTML(report.HTMLDocument{Title: src.RelPath, Pages: graded})
		if err != nil {
			return Artifact{}, err
		}
	} else {
		artifact.Path = filepath.Join(outDir, base+".md")
		artifact.Content = report.Markdown(markdown)
	}
	if err := writeFile(artifact.Path, []byte(artifact.Content)); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// gradePage turns one model response into an HTML page entry and, when the
// response parsed, a marked image next to the report.
func (r *Runner) gradePage(page document.PageImage, res llm.Result, total int, outDir, base string) (report.HTMLPage, string, error) {
	hp := report.HTMLPage{Number: page.Number()}
	if res.Failed() {
		hp.Err = res.Err.Error()
		return hp, "", res.Err
	}

	parsed, err := report.Parse(res.Text, prompt.KindExam)
	if err != nil {
		log.Printf("%s page %d: %v; response: %s", page.Source, page.Number(), err, logutil.SanitizeForLog(res.Text))
		hp.Err = err.Error()
		return hp, "", err
	}
	rep := parsed.(*report.GradingReport)
	hp.Report = rep

	img := annotate.Annotate(page.Image, rep.Items)
	data, err := document.EncodeJPEG(img, 0)
	if err != nil {
		hp.Report, hp.Err = nil, err.Error()
		return hp, "", err
	}
	name := MarkedImageName(base, page.Number(), total)
	if err := writeFile(filepath.Join(outDir, name), data); err != nil {
		return hp, "", err
	}
	hp.Image = name
	return hp, name, nil
}

// MarkedImageName is <base>_marked.jpg, or <base>_p<N>_marked.jpg when the
// document has more than one page.
func MarkedImageName(base string, page, total int) string {
	if total > 1 {
		return fmt.Sprintf("%s_p%d_marked.jpg", base, page)
	}
	return base + "_marked.jpg"
}

func writeFile(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return &ResourceError{Path: filepath.Dir(name), Op: "create directory", Err: err}
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return &ResourceError{Path: name, Op: "write", Err: err}
	}
	return nil
}
