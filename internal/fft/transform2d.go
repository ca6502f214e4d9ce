package fft

import (
	"fmt"
	"math/cmplx"
)

// RowSource hands out rows of a rectangular grid as complex samples.
// frame.Frame implements it for raw 8/16-bit samples, Spectrum for complex data.
type RowSource interface {
	Width() int
	Height() int
	Row(y int, dst []complex128)
}

// Spectrum is a row-major width x height grid of complex values.
type Spectrum struct {
	width  int
	height int
	data   []complex128
}

// NewSpectrum allocates a zeroed grid.
func NewSpectrum(width, height int) *Spectrum {
	return &Spectrum{width: width, height: height, data: make([]complex128, width*height)}
}

func (s *Spectrum) Width() int  { return s.width }
func (s *Spectrum) Height() int { return s.height }

// Data exposes the backing slice in row-major order.
func (s *Spectrum) Data() []complex128 { return s.data }

// At returns the value at (x, y).
func (s *Spectrum) At(x, y int) complex128 { return s.data[y*s.width+x] }

// Row copies row y into dst.
func (s *Spectrum) Row(y int, dst []complex128) {
	copy(dst[:s.width], s.data[y*s.width:(y+1)*s.width])
}

// Transform2D runs a 1-D transform over every row, then over every column.
// Each 1-D pass applies its plan's 2/N output scale. A Transform2D holds only
// immutable plans and is safe for concurrent use.
type Transform2D struct {
	rows *Plan
	cols *Plan
}

// New2D prepares a transform for width x height grids. Both dimensions must be
// powers of two.
func New2D(width, height int) *Transform2D {
	return &Transform2D{rows: For(width), cols: For(height)}
}

func (t *Transform2D) Width() int  { return t.rows.Len() }
func (t *Transform2D) Height() int { return t.cols.Len() }

// Forward transforms src, which may be a raw frame or a Spectrum, into a new Spectrum.
func (t *Transform2D) Forward(src RowSource) *Spectrum {
	t.check(src)
	w, h := t.Width(), t.Height()
	out := NewSpectrum(w, h)
	for y := 0; y < h; y++ {
		row := out.data[y*w : (y+1)*w]
		src.Row(y, row)
		t.rows.TransformScaled(row, row)
	}
	t.columns(out)
	return out
}

// Inverse computes conj(Forward(conj(src))) into a new Spectrum.
func (t *Transform2D) Inverse(src *Spectrum) *Spectrum {
	t.check(src)
	w, h := t.Width(), t.Height()
	out := NewSpectrum(w, h)
	for i, v := range src.data {
		out.data[i] = cmplx.Conj(v)
	}
	for y := 0; y < h; y++ {
		row := out.data[y*w : (y+1)*w]
		t.rows.TransformScaled(row, row)
	}
	t.columns(out)
	for i, v := range out.data {
		out.data[i] = cmplx.Conj(v)
	}
	return out
}

func (t *Transform2D) columns(s *Spectrum) {
	w, h := s.width, s.height
	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := range col {
			col[y] = s.data[y*w+x]
		}
		t.cols.TransformScaled(col, col)
		for y, v := range col {
			s.data[y*w+x] = v
		}
	}
}

func (t *Transform2D) check(src RowSource) {
	if src.Width() != t.Width() || src.Height() != t.Height() {
		panic(fmt.Sprintf("fft: %dx%d input for %dx%d transform", src.Width(), src.Height(), t.Width(), t.Height()))
	}
}
