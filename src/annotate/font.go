package annotate

import (
	"image"
	"image/color"
	"log"
	"os"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

// fontCandidates are tried in order; the first one that parses wins.
var fontCandidates = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/TTF/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/truetype/freefont/FreeSansBold.ttf",
	"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
	"/Library/Fonts/Arial Unicode.ttf",
	`C:\Windows\Fonts\seguisym.ttf`,
	`C:\Windows\Fonts\arialbd.ttf`,
	`C:\Windows\Fonts\arial.ttf`,
}

type loadedFont struct {
	font *sfnt.Font
	// symbols is set when the font has both the check and cross glyphs.
	symbols bool
}

var (
	systemFontOnce sync.Once
	systemFont     *loadedFont
)

func loadSystemFont() *loadedFont {
	systemFontOnce.Do(func() {
		var fallback *loadedFont
		for _, path := range fontCandidates {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			f, err := opentype.Parse(data)
			if err != nil {
				log.Printf("annotate: skipping font %s: %v", path, err)
				continue
			}
			lf := &loadedFont{font: f, symbols: hasGlyphs(f, checkMark, crossMark)}
			if lf.symbols {
				log.Printf("annotate: using font %s", path)
				systemFont = lf
				return
			}
			if fallback == nil {
				fallback = lf
			}
		}
		if fallback == nil {
			log.Printf("annotate: no system font found, using built-in bitmap font")
		}
		systemFont = fallback
	})
	return systemFont
}

func hasGlyphs(f *sfnt.Font, texts ...string) bool {
	var buf sfnt.Buffer
	for _, s := range texts {
		for _, r := range s {
			idx, err := f.GlyphIndex(&buf, r)
			if err != nil || idx == 0 {
				return false
			}
		}
	}
	return true
}

// marker draws the per-item mark. Faces are not safe for concurrent use,
// so each Annotate call owns its own.
type marker struct {
	face    font.Face
	symbols bool
	scale   int
}

func newMarker(imageHeight int) *marker {
	size := float64(max(imageHeight/40, 16))
	if lf := loadSystemFont(); lf != nil {
		face, err := opentype.NewFace(lf.font, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
		if err == nil {
			return &marker{face: face, symbols: lf.symbols, scale: 1}
		}
		log.Printf("annotate: failed to create font face: %v", err)
	}
	return &marker{face: basicfont.Face7x13, scale: max(int(size)/13, 1)}
}

func (m *marker) Close() {
	if m.face != basicfont.Face7x13 {
		_ = m.face.Close()
	}
}

func (m *marker) text(correct bool) string {
	switch {
	case m.symbols && correct:
		return checkMark
	case m.symbols:
		return crossMark
	case correct:
		return "V"
	default:
		return "X"
	}
}

// Draw places the mark just inside the top-right corner of r.
func (m *marker) Draw(dst *image.RGBA, r image.Rectangle, correct bool, c color.Color) {
	s := m.text(correct)
	metrics := m.face.Metrics()
	width := font.MeasureString(m.face, s).Ceil()
	height := (metrics.Ascent + metrics.Descent).Ceil()
	if width <= 0 || height <= 0 {
		return
	}

	glyph := image.NewRGBA(image.Rect(0, 0, width, height))
	d := font.Drawer{
		Dst:  glyph,
		Src:  image.NewUniform(c),
		Face: m.face,
		Dot:  fixed.Point26_6{X: 0, Y: metrics.Ascent},
	}
	d.DrawString(s)

	w, h := width*m.scale, height*m.scale
	pad := 4
	origin := image.Pt(r.Max.X-w-pad, r.Min.Y+pad)
	if origin.X < r.Min.X {
		origin.X = r.Min.X
	}
	target := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}.Intersect(dst.Bounds())
	if target.Empty() {
		return
	}
	xdraw.NearestNeighbor.Scale(dst, image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}, glyph, glyph.Bounds(), xdraw.Over, nil)
}
