// Package registration estimates the translation between two frames by phase
// correlation: the probe spectrum is multiplied by the conjugate of a retained
// reference spectrum, transformed back, and the correlation peak is located to
// sub-pixel precision.
package registration

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"

	"scopie/internal/fft"
	"scopie/internal/frame"
)

// DefaultMaxSize caps the working size when the caller configures no limit.
const DefaultMaxSize = 512

var (
	ErrTooSmall  = errors.New("registration: working size below 2 pixels")
	ErrProbeSize = errors.New("registration: probe smaller than working size")
)

// Offset is the translation of a probe relative to the reference, in pixels.
// Each axis lies in (-size/2, size/2].
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (o Offset) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", o.X, o.Y)
}

// Magnitude is the Euclidean length of the offset.
func (o Offset) Magnitude() float64 {
	return math.Hypot(o.X, o.Y)
}

// WorkingSize returns the largest power of two that does not exceed the
// smaller frame dimension, the requested size (if positive) or maxSize (if
// positive). It returns 0 when no such size exists.
func WorkingSize(width, height, requested, maxSize int) int {
	limit := min(width, height)
	if requested > 0 {
		limit = min(limit, requested)
	}
	if maxSize > 0 {
		limit = min(limit, maxSize)
	}
	if limit < 1 {
		return 0
	}
	return 1 << (bits.Len(uint(limit)) - 1)
}

// Registrator holds the spectrum of a reference frame. It is read-only after
// New and safe for concurrent Offset calls.
type Registrator struct {
	size      int
	transform *fft.Transform2D
	reference *fft.Spectrum
}

// New centre-crops reference to the working size derived from requested and
// maxSize, and retains its forward transform. The size actually used is
// available from Size.
func New(reference frame.Frame, requested, maxSize int) (*Registrator, error) {
	size := WorkingSize(reference.Width(), reference.Height(), requested, maxSize)
	if size < 2 {
		return nil, fmt.Errorf("%w: %dx%d reference", ErrTooSmall, reference.Width(), reference.Height())
	}
	crop, err := reference.CenterCrop(size)
	if err != nil {
		return nil, fmt.Errorf("cropping reference: %w", err)
	}
	t := fft.New2D(size, size)
	return &Registrator{size: size, transform: t, reference: t.Forward(crop)}, nil
}

// Size is the square working size in pixels.
func (r *Registrator) Size() int { return r.size }

// Offset estimates how far probe is shifted relative to the reference.
func (r *Registrator) Offset(probe frame.Frame) (Offset, error) {
	if probe.Width() < r.size || probe.Height() < r.size {
		return Offset{}, fmt.Errorf("%w: %dx%d probe, size %d", ErrProbeSize, probe.Width(), probe.Height(), r.size)
	}
	crop, err := probe.CenterCrop(r.size)
	if err != nil {
		return Offset{}, fmt.Errorf("cropping probe: %w", err)
	}

	spec := r.transform.Forward(crop)
	data, ref := spec.Data(), r.reference.Data()
	for i := range data {
		data[i] *= cmplx.Conj(ref[i])
	}
	return locatePeak(r.transform.Inverse(spec)), nil
}

// locatePeak finds the strongest correlation bin, refines it per axis with a
// three-point parabola and wraps the result into (-n/2, n/2].
//
// Read-out noise correlates with itself at zero lag, so the (0,0) bin is first
// replaced by the mean of its four neighbours. This is a heuristic: it tends to
// keep noise patterns from aligning, but it is not proven correct and it also
// hides a genuine zero shift.
func locatePeak(corr *fft.Spectrum) Offset {
	n := corr.Width()
	data := corr.Data()
	at := func(x, y int) complex128 {
		return data[((y+n)%n)*n+(x+n)%n]
	}

	data[0] = (at(1, 0) + at(-1, 0) + at(0, 1) + at(0, -1)) / 4

	best, bestX, bestY := -1.0, 0, 0
	for i, v := range data {
		if m := real(v)*real(v) + imag(v)*imag(v); m > best {
			best, bestX, bestY = m, i%n, i/n
		}
	}

	mag := func(x, y int) float64 { return cmplx.Abs(at(x, y)) }
	center := mag(bestX, bestY)
	x := float64(bestX) + parabolaVertex(mag(bestX-1, bestY), center, mag(bestX+1, bestY))
	y := float64(bestY) + parabolaVertex(mag(bestX, bestY-1), center, mag(bestX, bestY+1))

	return Offset{X: wrap(x, n), Y: wrap(y, n)}
}

// parabolaVertex returns the vertex position, relative to the centre sample,
// of the parabola through (-1, left), (0, center), (1, right).
func parabolaVertex(left, center, right float64) float64 {
	denom := 2 * (left + right - 2*center)
	if denom == 0 {
		return 0
	}
	return (left - right) / denom
}

func wrap(v float64, n int) float64 {
	if v > float64(n)/2 {
		return v - float64(n)
	}
	return v
}
