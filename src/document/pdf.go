package document

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/multierr"
)

type pageRenderer interface {
	RenderPage(ctx context.Context, pdfPath, workDir string, page, dpi int) (string, error)
}

type pageCounter func(path string) (int, error)

// pdftoppm renders one page per invocation so a document is never fully
// rasterized on disk at once.
type pdftoppm struct{}

func (pdftoppm) RenderPage(ctx context.Context, pdfPath, workDir string, page, dpi int) (string, error) {
	prefix := filepath.Join(workDir, "page")
	args := []string{
		"-jpeg",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		pdfPath,
		prefix,
	}
	cmd := exec.CommandContext(ctx, "pdftoppm", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("pdftoppm failed on page %d: %w: %s", page, err, strings.TrimSpace(string(out)))
	}
	return findRenderedImage(prefix, page)
}

// findRenderedImage copes with pdftoppm zero-padding the page suffix to the
// width of the document's page count.
func findRenderedImage(prefix string, page int) (string, error) {
	for width := 1; width <= 6; width++ {
		candidate := fmt.Sprintf("%s-%0*d.jpg", prefix, width, page)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("rendered image not found for page %d", page)
}

// pdfPageCount asks pdfcpu first and falls back to ledongthuc/pdf, which
// tolerates some files pdfcpu rejects even in relaxed mode.
func pdfPageCount(path string) (int, error) {
	n, err := pdfcpuPageCount(path)
	if err == nil {
		return n, nil
	}
	log.Printf("document: pdfcpu could not count pages of %s: %v; trying fallback", filepath.Base(path), err)

	n, fallbackErr := ledongthucPageCount(path)
	if fallbackErr != nil {
		return 0, multierr.Append(err, fallbackErr)
	}
	return n, nil
}

func pdfcpuPageCount(path string) (n int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, file.Close()) }()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(file, conf)
	if err != nil {
		return 0, fmt.Errorf("failed to read PDF context: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return 0, fmt.Errorf("failed to ensure page count: %w", err)
	}
	return ctx.PageCount, nil
}

func ledongthucPageCount(path string) (n int, err error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return reader.NumPage(), nil
}
