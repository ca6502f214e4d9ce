package frame

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Kind identifies the sample type stored in a Frame.
type Kind uint8

const (
	Gray8 Kind = iota + 1
	Gray16
)

func (k Kind) String() string {
	switch k {
	case Gray8:
		return "gray8"
	case Gray16:
		return "gray16"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// BitsPerSample returns 8 or 16, or 0 for an unknown kind.
func (k Kind) BitsPerSample() int {
	switch k {
	case Gray8:
		return 8
	case Gray16:
		return 16
	default:
		return 0
	}
}

// ErrGeometry is returned when a pixel buffer does not match the requested dimensions.
var ErrGeometry = errors.New("frame: buffer does not match dimensions")

// Frame is an immutable width x height grid of unsigned samples of a single Kind.
// The zero Frame is empty. Constructors take ownership of the pixel slice; callers
// must not modify it afterwards.
type Frame struct {
	kind   Kind
	width  int
	height int
	pix8   []uint8
	pix16  []uint16
}

// NewGray8 wraps an 8-bit row-major buffer.
func NewGray8(width, height int, pix []uint8) (Frame, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height {
		return Frame{}, fmt.Errorf("%w: %dx%d with %d samples", ErrGeometry, width, height, len(pix))
	}
	return Frame{kind: Gray8, width: width, height: height, pix8: pix}, nil
}

// NewGray16 wraps a 16-bit row-major buffer.
func NewGray16(width, height int, pix []uint16) (Frame, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height {
		return Frame{}, fmt.Errorf("%w: %dx%d with %d samples", ErrGeometry, width, height, len(pix))
	}
	return Frame{kind: Gray16, width: width, height: height, pix16: pix}, nil
}

func (f Frame) Kind() Kind   { return f.kind }
func (f Frame) Width() int   { return f.width }
func (f Frame) Height() int  { return f.height }
func (f Frame) IsZero() bool { return f.kind == 0 }
func (f Frame) Len() int     { return f.width * f.height }

// Pix8 returns the 8-bit samples, or nil for other kinds. The slice is read-only.
func (f Frame) Pix8() []uint8 { return f.pix8 }

// Pix16 returns the 16-bit samples, or nil for other kinds. The slice is read-only.
func (f Frame) Pix16() []uint16 { return f.pix16 }

// SizeBytes is the payload size of the sample buffer.
func (f Frame) SizeBytes() uint64 {
	return uint64(f.Len() * f.kind.BitsPerSample() / 8)
}

// MaxValue is the largest representable sample.
func (f Frame) MaxValue() float64 {
	if f.kind == Gray8 {
		return 255
	}
	return 65535
}

// At returns the sample at (x, y) as a float64.
func (f Frame) At(x, y int) float64 {
	i := y*f.width + x
	switch f.kind {
	case Gray8:
		return float64(f.pix8[i])
	case Gray16:
		return float64(f.pix16[i])
	default:
		return 0
	}
}

// Row writes row y into dst as complex samples with zero imaginary part.
// len(dst) must be at least Width.
func (f Frame) Row(y int, dst []complex128) {
	off := y * f.width
	switch f.kind {
	case Gray8:
		for x, v := range f.pix8[off : off+f.width] {
			dst[x] = complex(float64(v), 0)
		}
	case Gray16:
		for x, v := range f.pix16[off : off+f.width] {
			dst[x] = complex(float64(v), 0)
		}
	}
}

// Crop copies the w x h rectangle with top-left corner (x0, y0) into a new Frame.
func (f Frame) Crop(x0, y0, w, h int) (Frame, error) {
	if x0 < 0 || y0 < 0 || w <= 0 || h <= 0 || x0+w > f.width || y0+h > f.height {
		return Frame{}, fmt.Errorf("%w: crop %dx%d+%d+%d outside %dx%d", ErrGeometry, w, h, x0, y0, f.width, f.height)
	}
	switch f.kind {
	case Gray8:
		out := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			src := (y0+y)*f.width + x0
			copy(out[y*w:(y+1)*w], f.pix8[src:src+w])
		}
		return Frame{kind: Gray8, width: w, height: h, pix8: out}, nil
	case Gray16:
		out := make([]uint16, w*h)
		for y := 0; y < h; y++ {
			src := (y0+y)*f.width + x0
			copy(out[y*w:(y+1)*w], f.pix16[src:src+w])
		}
		return Frame{kind: Gray16, width: w, height: h, pix16: out}, nil
	default:
		return Frame{}, errors.New("frame: crop of empty frame")
	}
}

// CenterOrigin returns the top-left corner of a centred size x size square.
func (f Frame) CenterOrigin(size int) (x0, y0 int) {
	return (f.width - size) / 2, (f.height - size) / 2
}

// CenterCrop copies the centred size x size square into a new Frame.
func (f Frame) CenterCrop(size int) (Frame, error) {
	x0, y0 := f.CenterOrigin(size)
	return f.Crop(x0, y0, size, size)
}

// Stats summarises the sample distribution.
type Stats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Stats computes mean, standard deviation and range over all samples.
func (f Frame) Stats() Stats {
	n := f.Len()
	if n == 0 {
		return Stats{}
	}
	values := make([]float64, n)
	switch f.kind {
	case Gray8:
		for i, v := range f.pix8 {
			values[i] = float64(v)
		}
	case Gray16:
		for i, v := range f.pix16 {
			values[i] = float64(v)
		}
	}
	s := Stats{Min: values[0], Max: values[0]}
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s
}
