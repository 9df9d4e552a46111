// Package display connects a pixel-drawing library to the e-paper panel.
//
// A Framebuffer is a 1-bit canvas implementing the TinyGo drivers.Displayer
// interface, so anything that draws through it (tinyfont, tinydraw) works
// unchanged. Its buffer starts with a two-entry palette header, the layout
// graphics libraries use for I1 buffers. The Adapter takes such buffers,
// strips the header, rotates them to the panel orientation and refreshes the
// panel, either blocking or through a shared bus queue.
package display

import (
	"fmt"
	"image/color"

	"github.com/mklimuk/station"
	"tinygo.org/x/drivers"
)

// PaletteSize is the I1 palette header: two ARGB32 entries.
const PaletteSize = 8

var palette = [PaletteSize]byte{
	0x00, 0x00, 0x00, 0xFF, // black
	0xFF, 0xFF, 0xFF, 0xFF, // white
}

// Area is a rectangle with inclusive corners.
type Area struct {
	X1, Y1, X2, Y2 int
}

func (a Area) Width() int {
	return a.X2 - a.X1 + 1
}

func (a Area) Height() int {
	return a.Y2 - a.Y1 + 1
}

// FlushFunc receives a palette-prefixed 1-bit buffer covering area.
type FlushFunc func(area Area, px []byte, rot drivers.Rotation) error

// Framebuffer is an MSB-first 1-bit canvas. Bit 1 is white.
type Framebuffer struct {
	nativeW, nativeH int
	width, height    int
	stride           int
	rotation         drivers.Rotation
	buf              []byte
	flush            FlushFunc
}

var _ drivers.Displayer = &Framebuffer{}

// NewFramebuffer creates a white canvas for a panel of the given native size.
func NewFramebuffer(width, height int, flush FlushFunc) *Framebuffer {
	f := &Framebuffer{nativeW: width, nativeH: height, flush: flush}
	f.layout()
	return f
}

func (f *Framebuffer) layout() {
	f.width, f.height = f.nativeW, f.nativeH
	if f.rotation == drivers.Rotation90 || f.rotation == drivers.Rotation270 {
		f.width, f.height = f.nativeH, f.nativeW
	}
	f.stride = (f.width + 7) / 8
	f.buf = make([]byte, PaletteSize+f.stride*f.height)
	copy(f.buf, palette[:])
	f.Clear()
}

// Size returns the logical size, which swaps axes for quarter turns.
func (f *Framebuffer) Size() (x, y int16) {
	return int16(f.width), int16(f.height)
}

// SetPixel paints white for pure white and black for anything else.
func (f *Framebuffer) SetPixel(x, y int16, c color.RGBA) {
	if x < 0 || y < 0 || int(x) >= f.width || int(y) >= f.height {
		return
	}
	i := PaletteSize + int(y)*f.stride + int(x)/8
	mask := byte(0x80) >> (x % 8)
	if c.R == 0xFF && c.G == 0xFF && c.B == 0xFF {
		f.buf[i] |= mask
		return
	}
	f.buf[i] &^= mask
}

// Pixel reports whether the pixel is white.
func (f *Framebuffer) Pixel(x, y int) bool {
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return false
	}
	return f.buf[PaletteSize+y*f.stride+x/8]&(0x80>>(x%8)) != 0
}

// Clear paints the whole canvas white.
func (f *Framebuffer) Clear() {
	for i := PaletteSize; i < len(f.buf); i++ {
		f.buf[i] = 0xFF
	}
}

// Bytes returns the canvas including the palette header.
func (f *Framebuffer) Bytes() []byte {
	return f.buf
}

// Display hands the full canvas to the flush function.
func (f *Framebuffer) Display() error {
	if f.flush == nil {
		return nil
	}
	area := Area{X2: f.width - 1, Y2: f.height - 1}
	return f.flush(area, f.buf, f.rotation)
}

func (f *Framebuffer) Rotation() drivers.Rotation {
	return f.rotation
}

// SetRotation changes the logical orientation. The canvas is cleared.
func (f *Framebuffer) SetRotation(r drivers.Rotation) error {
	if r > drivers.Rotation270 {
		return fmt.Errorf("display: mirrored rotation %d: %w", r, station.ErrParam)
	}
	f.rotation = r
	f.layout()
	return nil
}
