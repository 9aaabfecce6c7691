package annotate

import (
	"image"
	"image/color"
	"image/draw"
	"log"
	"math"

	"exam-ocr-llm/src/report"
)

// Grid is the coordinate range the model reports boxes in.
const Grid = 1000.0

var (
	Green = color.RGBA{R: 0x1f, G: 0xa8, B: 0x4a, A: 0xff}
	Red   = color.RGBA{R: 0xe0, G: 0x22, B: 0x22, A: 0xff}
)

// Rect is a box in pixel space.
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// PixelRect scales a 0-1000 grid box onto a w x h image.
func PixelRect(b report.BBox, w, h int) Rect {
	return Rect{
		X1: b[0] / Grid * float64(w),
		Y1: b[1] / Grid * float64(h),
		X2: b[2] / Grid * float64(w),
		Y2: b[3] / Grid * float64(h),
	}
}

// Image returns the rectangle in integer pixels, ordered and clipped to bounds.
func (r Rect) Image(bounds image.Rectangle) image.Rectangle {
	x1, x2 := math.Min(r.X1, r.X2), math.Max(r.X1, r.X2)
	y1, y2 := math.Min(r.Y1, r.Y2), math.Max(r.Y1, r.Y2)
	return image.Rect(
		int(math.Round(x1)), int(math.Round(y1)),
		int(math.Round(x2)), int(math.Round(y2)),
	).Intersect(bounds)
}

// Annotate draws a colored outline and a check or cross mark for every
// gradable item onto a copy of src. Items with an unknown status or an
// unusable bbox are skipped. src is not modified.
func Annotate(src image.Image, items []report.GradingItem) *image.RGBA {
	sb := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)

	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	thickness := outlineWidth(w, h)
	marks := newMarker(h)
	defer marks.Close()

	for i, item := range items {
		var c color.RGBA
		switch item.Status {
		case report.StatusCorrect:
			c = Green
		case report.StatusIncorrect:
			c = Red
		default:
			continue
		}
		box, ok := item.Box()
		if !ok {
			log.Printf("annotate: item %d (%q) has no usable bbox, skipped", i, item.QuestionID)
			continue
		}
		r := PixelRect(box, w, h).Image(dst.Bounds())
		if r.Empty() {
			continue
		}
		strokeRect(dst, r, thickness, c)
		marks.Draw(dst, r, item.Status == report.StatusCorrect, c)
	}
	return dst
}

func outlineWidth(w, h int) int {
	t := min(w, h) / 300
	return max(t, 3)
}

func strokeRect(dst *image.RGBA, r image.Rectangle, t int, c color.Color) {
	u := image.NewUniform(c)
	t = min(t, (r.Dx()+1)/2, (r.Dy()+1)/2)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, u, image.Point{}, draw.Src)
	}
}
