// Package memviz draws the frame allocator's reference counts, one cell
// per frame, for looking at leaks and sharing after a run.
package memviz

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"kcore/kernel/arch"
	"kcore/kernel/physmem"
)

// Columns is the number of frames per row.
const Columns = 64

var (
	Untouched = color.RGBA{0x00, 0x00, 0x00, 0xff}
	Free      = color.RGBA{0x60, 0x60, 0x60, 0xff}
	Private   = color.RGBA{0x20, 0xc0, 0x20, 0xff}
	Shared    = color.RGBA{0xe0, 0xd0, 0x20, 0xff}
	Hot       = color.RGBA{0xe0, 0x30, 0x20, 0xff}
)

// Shade picks the colour for a frame with n references.
func Shade(handedOut bool, n int) color.RGBA {
	switch {
	case !handedOut:
		return Untouched
	case n == 0:
		return Free
	case n == 1:
		return Private
	case n == 2:
		return Shared
	}
	return Hot
}

func draw(a *physmem.Allocator, cell int) *gg.Context {
	if cell < 1 {
		cell = 1
	}
	frames := int((a.Limit() - a.Start()) / arch.PGSIZE)
	rows := (frames + Columns - 1) / Columns
	dc := gg.NewContext(Columns*cell, rows*cell)
	dc.SetColor(Untouched)
	dc.Clear()

	mark := a.Watermark()
	for i := 0; i < frames; i++ {
		p := a.Start() + uint32(i)*arch.PGSIZE
		if p >= mark {
			break
		}
		dc.SetColor(Shade(true, a.Refcount(p)))
		dc.DrawRectangle(float64(i%Columns*cell), float64(i/Columns*cell), float64(cell), float64(cell))
		dc.Fill()
	}
	return dc
}

// Render returns the picture with cell x cell pixels per frame.
func Render(a *physmem.Allocator, cell int) image.Image {
	return draw(a, cell).Image()
}

func SavePNG(a *physmem.Allocator, cell int, path string) error {
	return draw(a, cell).SavePNG(path)
}
