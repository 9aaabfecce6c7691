package tray

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"runtime"
)

const iconSize = 32

var (
	iconBlue = color.RGBA{R: 0x00, G: 0x78, B: 0xd4, A: 0xff}
	iconRed  = color.RGBA{R: 0xe0, G: 0x22, B: 0x22, A: 0xff}
)

// drawIcon renders a page outline with a check stroke, tinted red while busy.
func drawIcon(busy bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, iconSize, iconSize))
	ink := iconBlue
	if busy {
		ink = iconRed
	}
	page := image.Rect(6, 3, 26, 29)
	draw.Draw(img, page, image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, edge := range []image.Rectangle{
		image.Rect(page.Min.X, page.Min.Y, page.Max.X, page.Min.Y+2),
		image.Rect(page.Min.X, page.Max.Y-2, page.Max.X, page.Max.Y),
		image.Rect(page.Min.X, page.Min.Y, page.Min.X+2, page.Max.Y),
		image.Rect(page.Max.X-2, page.Min.Y, page.Max.X, page.Max.Y),
	} {
		draw.Draw(img, edge, image.NewUniform(ink), image.Point{}, draw.Src)
	}
	// check mark: short down stroke then a long up stroke
	for i := 0; i < 4; i++ {
		stamp(img, 10+i, 15+i, ink)
	}
	for i := 0; i < 9; i++ {
		stamp(img, 14+i, 18-i, ink)
	}
	return img
}

func stamp(img *image.RGBA, x, y int, c color.RGBA) {
	draw.Draw(img, image.Rect(x, y, x+2, y+2), image.NewUniform(c), image.Point{}, draw.Src)
}

// iconBytes returns the icon in the container systray expects on this platform.
func iconBytes(busy bool) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, drawIcon(busy)); err != nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return wrapICO(buf.Bytes(), iconSize)
	}
	return buf.Bytes()
}

// wrapICO puts a PNG into a single-image ICO container.
func wrapICO(pngData []byte, size int) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, [3]uint16{0, 1, 1}) // reserved, type icon, count
	dim := uint8(size)
	if size >= 256 {
		dim = 0
	}
	buf.Write([]byte{dim, dim, 0, 0})                // width, height, palette, reserved
	_ = binary.Write(&buf, le, [2]uint16{1, 32})     // planes, bits per pixel
	_ = binary.Write(&buf, le, uint32(len(pngData))) // image size
	_ = binary.Write(&buf, le, uint32(6+16))         // image offset
	buf.Write(pngData)
	return buf.Bytes()
}
