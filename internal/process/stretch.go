// Package process holds display post-processing run on the stale-skipping
// pipeline.
package process

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"scopie/internal/frame"
	"scopie/internal/logging"
	"scopie/internal/pipeline"
)

// SortStretch replaces every sample by its rank, scaled to the full range of
// the sample kind. The result has a flat histogram, which makes faint detail
// visible regardless of exposure. Equal samples keep their relative order.
func SortStretch(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	n := f.Len()
	if n == 0 {
		return f, nil
	}

	var value func(i int) int
	switch f.Kind() {
	case frame.Gray8:
		pix := f.Pix8()
		value = func(i int) int { return int(pix[i]) }
	case frame.Gray16:
		pix := f.Pix16()
		value = func(i int) int { return int(pix[i]) }
	default:
		return f, nil
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	slices.SortStableFunc(indices, func(a, b int) int { return cmp.Compare(value(a), value(b)) })
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}

	mul := f.MaxValue() / float64(n)
	switch f.Kind() {
	case frame.Gray8:
		out := make([]uint8, n)
		for rank, i := range indices {
			out[i] = uint8(float64(rank) * mul)
		}
		return frame.NewGray8(f.Width(), f.Height(), out)
	default:
		out := make([]uint16, n)
		for rank, i := range indices {
			out[i] = uint16(float64(rank) * mul)
		}
		return frame.NewGray16(f.Width(), f.Height(), out)
	}
}

// Stretcher runs SortStretch over incoming frames on a stale-skipping
// pipeline. When disabled frames pass through unchanged.
type Stretcher struct {
	*pipeline.Pipeline[frame.Frame, frame.Frame]
	enabled atomic.Bool
	log     *slog.Logger
}

// NewStretcher creates a stretcher with the given worker count.
func NewStretcher(workers int, enabled bool, reporter logging.Reporter, log *slog.Logger) *Stretcher {
	if log == nil {
		log = slog.Default()
	}
	s := &Stretcher{log: log}
	s.enabled.Store(enabled)
	s.Pipeline = pipeline.New("stretch", workers, s.process, reporter, log)
	return s
}

// SetEnabled toggles stretching for frames that have not started processing.
func (s *Stretcher) SetEnabled(on bool) { s.enabled.Store(on) }

// Enabled reports whether stretching is on.
func (s *Stretcher) Enabled() bool { return s.enabled.Load() }

func (s *Stretcher) process(ctx context.Context, in frame.Frame) (frame.Frame, bool, error) {
	if in.IsZero() {
		return frame.Frame{}, false, nil
	}
	if !s.enabled.Load() {
		return in, true, nil
	}
	out, err := SortStretch(ctx, in)
	if err != nil {
		return frame.Frame{}, false, fmt.Errorf("sort stretch %dx%d: %w", in.Width(), in.Height(), err)
	}
	return out, true, nil
}
