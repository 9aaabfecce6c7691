package screenshot

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/kbinani/screenshot"

	"exam-ocr-llm/src/document"
)

// Region represents a screen region to capture
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// ParseRegion reads "x,y,width,height". An empty string means the whole screen.
func ParseRegion(s string) (*Region, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("capture region %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("capture region %q: %w", s, err)
		}
		v[i] = n
	}
	r := &Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if r.Width <= 0 || r.Height <= 0 {
		return nil, fmt.Errorf("invalid region dimensions: width=%d, height=%d", r.Width, r.Height)
	}
	return r, nil
}

// Capture captures the entire virtual screen across all active displays
func Capture() (*image.RGBA, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("no active displays found")
	}
	union := screenshot.GetDisplayBounds(0)
	for i := 1; i < n; i++ {
		union = union.Union(screenshot.GetDisplayBounds(i))
	}
	return screenshot.CaptureRect(union)
}

// CaptureRegion captures a specific region of the screen
func CaptureRegion(region Region) (*image.RGBA, error) {
	if region.Width <= 0 || region.Height <= 0 {
		return nil, fmt.Errorf("invalid region dimensions: width=%d, height=%d", region.Width, region.Height)
	}
	img, err := screenshot.CaptureRect(region.Rect())
	if err != nil {
		return nil, fmt.Errorf("failed to capture region: %w", err)
	}
	return img, nil
}

// Capturer returns a capture function for the event loop: the region when
// set, otherwise every display, encoded as JPEG for upload.
func Capturer(region *Region, maxSide int) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		var (
			img *image.RGBA
			err error
		)
		if region != nil {
			img, err = CaptureRegion(*region)
		} else {
			img, err = Capture()
		}
		if err != nil {
			return nil, err
		}
		return document.EncodeJPEG(document.Normalize(img), maxSide)
	}
}
