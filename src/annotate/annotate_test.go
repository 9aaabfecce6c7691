package annotate

import (
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exam-ocr-llm/src/report"
)

func whitePage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func item(status report.Status, bbox string) report.GradingItem {
	it := report.GradingItem{QuestionID: "q", Status: status}
	if bbox != "" {
		it.BBox = json.RawMessage(bbox)
	}
	return it
}

func TestPixelRect(t *testing.T) {
	tests := []struct {
		box  report.BBox
		w, h int
		want Rect
	}{
		{report.BBox{0, 0, 1000, 1000}, 800, 600, Rect{0, 0, 800, 600}},
		{report.BBox{100, 100, 500, 200}, 1000, 2000, Rect{100, 200, 500, 400}},
		{report.BBox{250, 500, 750, 1000}, 640, 480, Rect{160, 240, 480, 480}},
		{report.BBox{1, 1, 2, 2}, 333, 777, Rect{0.333, 0.777, 0.666, 1.554}},
	}
	for _, tt := range tests {
		got := PixelRect(tt.box, tt.w, tt.h)
		assert.InDelta(t, tt.want.X1, got.X1, 1e-9)
		assert.InDelta(t, tt.want.Y1, got.Y1, 1e-9)
		assert.InDelta(t, tt.want.X2, got.X2, 1e-9)
		assert.InDelta(t, tt.want.Y2, got.Y2, 1e-9)
	}
}

func TestRectImageOrdersAndClips(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 100)
	assert.Equal(t, image.Rect(10, 20, 50, 60), Rect{50, 60, 10, 20}.Image(bounds))
	assert.Equal(t, image.Rect(90, 90, 100, 100), Rect{90, 90, 150, 150}.Image(bounds))
}

func TestAnnotateDrawsOutlines(t *testing.T) {
	src := whitePage(1000, 1000)
	out := Annotate(src, []report.GradingItem{
		item(report.StatusCorrect, `[100, 100, 500, 200]`),
		item(report.StatusIncorrect, `[100, 300, 500, 400]`),
	})

	require.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, Green, out.RGBAAt(100, 150), "left edge of the correct box")
	assert.Equal(t, Green, out.RGBAAt(300, 101), "top edge of the correct box")
	assert.Equal(t, Red, out.RGBAAt(101, 350), "left edge of the incorrect box")
	assert.Equal(t, Red, out.RGBAAt(300, 398), "bottom edge of the incorrect box")

	white := color.RGBA{0xff, 0xff, 0xff, 0xff}
	assert.Equal(t, white, out.RGBAAt(200, 150), "box interior away from the mark")
	assert.Equal(t, white, out.RGBAAt(700, 700), "outside every box")
}

func TestAnnotateLeavesInputUntouched(t *testing.T) {
	src := whitePage(200, 200)
	before := append([]uint8(nil), src.Pix...)

	out := Annotate(src, []report.GradingItem{item(report.StatusIncorrect, `[0, 0, 1000, 1000]`)})

	assert.Equal(t, before, src.Pix)
	assert.NotEqual(t, src.Pix, out.Pix)
}

func TestAnnotateSkipsUnusableItems(t *testing.T) {
	src := whitePage(300, 300)
	out := Annotate(src, []report.GradingItem{
		item(report.StatusUnknown, `[0, 0, 1000, 1000]`),
		item(report.StatusCorrect, ``),
		item(report.StatusCorrect, `[1, 2, 3]`),
		item(report.StatusIncorrect, `["a", 0, 10, 10]`),
	})
	assert.Equal(t, src.Pix, out.Pix)
}

func TestAnnotateNonZeroOrigin(t *testing.T) {
	full := whitePage(400, 400)
	sub := full.SubImage(image.Rect(100, 100, 300, 300))

	out := Annotate(sub, []report.GradingItem{item(report.StatusCorrect, `[0, 0, 1000, 1000]`)})
	assert.Equal(t, image.Rect(0, 0, 200, 200), out.Bounds())
	assert.Equal(t, Green, out.RGBAAt(0, 100))
}

func TestMarkerFallbackText(t *testing.T) {
	m := &marker{symbols: false}
	assert.Equal(t, "V", m.text(true))
	assert.Equal(t, "X", m.text(false))
	m.symbols = true
	assert.Equal(t, checkMark, m.text(true))
	assert.Equal(t, crossMark, m.text(false))
}

func TestOutlineWidth(t *testing.T) {
	assert.Equal(t, 3, outlineWidth(200, 200))
	assert.Equal(t, 8, outlineWidth(2480, 3508))
}
