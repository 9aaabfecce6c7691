// Package document discovers input files and expands them into page images.
//
// A raster image expands to exactly one page. A PDF is rendered page by
// page at a fixed resolution; rendering goes through pdftoppm (poppler-utils)
// and the page count comes from pdfcpu.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Kind is the source format of a discovered file.
type Kind int

const (
	KindImage Kind = iota
	KindPDF
)

func (k Kind) String() string {
	if k == KindPDF {
		return "pdf"
	}
	return "image"
}

const (
	// RenderDPI is the rasterization resolution for paginated documents.
	RenderDPI   = 150
	jpegQuality = 95
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

var documentExtensions = map[string]bool{
	".pdf": true,
}

// UnsupportedFileError reports an extension outside the recognized set.
// Discover never returns it; unsupported files are simply left out.
type UnsupportedFileError struct {
	Path string
}

func (e *UnsupportedFileError) Error() string {
	return fmt.Sprintf("unsupported file type: %s", e.Path)
}

// Source is one input document. RelPath is slash-separated and relative
// to the discovery root; it is the document's identity in the output tree.
type Source struct {
	Path    string
	RelPath string
	Kind    Kind
}

// PageImage is a decoded page. Index is 0-based; Number() is the display form.
type PageImage struct {
	Image  *image.RGBA
	Index  int
	Total  int
	Source string
}

func (p PageImage) Number() int { return p.Index + 1 }

// KindOf classifies a path by extension, case-insensitively.
func KindOf(path string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExtensions[ext]:
		return KindImage, nil
	case documentExtensions[ext]:
		return KindPDF, nil
	default:
		return 0, &UnsupportedFileError{Path: path}
	}
}

var markedImagePattern = regexp.MustCompile(`_(p[0-9]+_)?marked\.jpg$`)

// IsMarkedImage reports whether name looks like an annotated page written
// by a batch run: <base>_marked.jpg or <base>_p<N>_marked.jpg.
func IsMarkedImage(name string) bool {
	return markedImagePattern.MatchString(strings.ToLower(filepath.Base(name)))
}

// Discover walks root recursively and returns every supported file in
// lexical order. Directories listed in skip are not descended into. When
// root itself is listed, outputs land next to their inputs, so marked
// images are left out instead.
func Discover(root string, skip ...string) ([]Source, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	skipped := make(map[string]bool, len(skip))
	skipMarked := false
	for _, s := range skip {
		abs, err := filepath.Abs(s)
		switch {
		case err != nil:
		case abs == absRoot:
			skipMarked = true
		default:
			skipped[abs] = true
		}
	}

	var sources []Source
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipped[path] {
				return filepath.SkipDir
			}
			return nil
		}
		kind, kerr := KindOf(path)
		if kerr != nil {
			return nil
		}
		if skipMarked && IsMarkedImage(path) {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		sources = append(sources, Source{Path: path, RelPath: filepath.ToSlash(rel), Kind: kind})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering files under %s: %w", root, err)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].RelPath < sources[j].RelPath })
	return sources, nil
}

// PageFunc receives pages in order. Returning an error stops the expansion.
type PageFunc func(PageImage) error

// Expander turns a Source into its page images.
type Expander struct {
	dpi      int
	renderer pageRenderer
	counter  pageCounter
}

func NewExpander() *Expander {
	return &Expander{dpi: RenderDPI, renderer: pdftoppm{}, counter: pdfPageCount}
}

// ForEachPage decodes src and calls fn once per page in page order. A PDF
// is counted once and every page carries that count in Total. Temporary render output is removed before it returns, whether or not
// an error occurred.
func (e *Expander) ForEachPage(ctx context.Context, src Source, fn PageFunc) error {
	switch src.Kind {
	case KindImage:
		img, err := LoadImage(src.Path)
		if err != nil {
			return err
		}
		return fn(PageImage{Image: img, Index: 0, Total: 1, Source: src.RelPath})
	case KindPDF:
		return e.forEachPDFPage(ctx, src, fn)
	default:
		return &UnsupportedFileError{Path: src.Path}
	}
}

func (e *Expander) forEachPDFPage(ctx context.Context, src Source, fn PageFunc) (err error) {
	total, err := e.counter(src.Path)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("%s: document has no pages", src.RelPath)
	}

	workDir, err := os.MkdirTemp("", "exam-ocr-pages-*")
	if err != nil {
		return fmt.Errorf("creating render directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil && err == nil {
			err = fmt.Errorf("removing render directory: %w", rmErr)
		}
	}()

	for page := 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := e.renderer.RenderPage(ctx, src.Path, workDir, page, e.dpi)
		if err != nil {
			return err
		}
		img, err := LoadImage(path)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		// each rendered page is consumed before the next one is produced
		_ = os.Remove(path)
		if err := fn(PageImage{Image: img, Index: page - 1, Total: total, Source: src.RelPath}); err != nil {
			return err
		}
	}
	return nil
}

// LoadImage decodes any supported raster format into opaque RGBA.
func LoadImage(path string) (*image.RGBA, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return Normalize(img), nil
}

// Normalize copies img into an opaque RGBA image with its origin at 0,0,
// compositing any transparency onto white.
func Normalize(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// EncodeJPEG encodes img for upload. When maxSide > 0 the longer side is
// scaled down to maxSide; the caller's image is left untouched.
func EncodeJPEG(img image.Image, maxSide int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	b := img.Bounds()
	if maxSide > 0 && (b.Dx() > maxSide || b.Dy() > maxSide) {
		img = resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode image as JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
