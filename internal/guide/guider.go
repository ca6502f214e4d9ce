// Package guide turns camera frames into guiding offsets: each frame is
// registered against a reference on a single-worker stale-skipping pipeline,
// and the pixel offset is converted to a sky offset once calibrated.
package guide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scopie/internal/frame"
	"scopie/internal/logging"
	"scopie/internal/pipeline"
	"scopie/internal/registration"
)

// ErrNoReference is returned by operations that need a reference frame.
var ErrNoReference = errors.New("guide: no reference frame")

// Sample is one published guiding measurement.
type Sample struct {
	Seq    uint64              `json:"seq"`
	Offset registration.Offset `json:"offset"`
	Sky    *SkyOffset          `json:"sky,omitempty"`
	Size   int                 `json:"working_size"`
	At     time.Time           `json:"at"`
}

// Options configure a Guider.
type Options struct {
	WorkingSize    int // requested working size, 0 = largest that fits
	MaxWorkingSize int // 0 = registration.DefaultMaxSize
	Workers        int
}

// Guider measures frames against the current reference. It is a push stream
// source of Samples.
type Guider struct {
	*pipeline.Pipeline[frame.Frame, Sample]

	opts        Options
	log         *slog.Logger
	now         func() time.Time
	reference   atomic.Pointer[registration.Registrator]
	calibration atomic.Pointer[Calibration]

	// pending holds axes measured by CalibrateAxis until both are usable.
	calMu   sync.Mutex
	pending Calibration
}

// New creates a guider without a reference; frames produce no samples until
// SetReference is called.
func New(opts Options, reporter logging.Reporter, log *slog.Logger) *Guider {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxWorkingSize == 0 {
		opts.MaxWorkingSize = registration.DefaultMaxSize
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	g := &Guider{opts: opts, log: log, now: time.Now}
	g.Pipeline = pipeline.New("guide", opts.Workers, g.measure, reporter, log)
	return g
}

// SetReference registers future frames against ref and returns the working
// size actually used.
func (g *Guider) SetReference(ref frame.Frame) (int, error) {
	r, err := registration.New(ref, g.opts.WorkingSize, g.opts.MaxWorkingSize)
	if err != nil {
		return 0, fmt.Errorf("set reference: %w", err)
	}
	g.reference.Store(r)
	g.log.Info("guide reference set",
		"frame", fmt.Sprintf("%dx%d", ref.Width(), ref.Height()),
		"working_size", r.Size(),
	)
	return r.Size(), nil
}

// ClearReference stops producing samples.
func (g *Guider) ClearReference() {
	if g.reference.Swap(nil) != nil {
		g.log.Info("guide reference cleared")
	}
}

// WorkingSize is the current reference's working size, or 0 without one.
func (g *Guider) WorkingSize() int {
	if r := g.reference.Load(); r != nil {
		return r.Size()
	}
	return 0
}

// SetCalibration enables sky offsets on subsequent samples.
func (g *Guider) SetCalibration(c Calibration) error {
	if _, err := c.Inverse(); err != nil {
		return err
	}
	g.calMu.Lock()
	g.pending = c
	g.calibration.Store(&c)
	g.calMu.Unlock()
	return nil
}

// Calibration returns the active calibration. A calibration in progress is
// not active until both axes are usable.
func (g *Guider) Calibration() (Calibration, bool) {
	if c := g.calibration.Load(); c != nil {
		return *c, true
	}
	return Calibration{}, false
}

func (g *Guider) measure(ctx context.Context, f frame.Frame) (Sample, bool, error) {
	ref := g.reference.Load()
	if ref == nil || f.IsZero() {
		return Sample{}, false, nil
	}
	start := g.now()
	off, err := ref.Offset(f)
	if err != nil {
		return Sample{}, false, err
	}
	seq, _ := pipeline.Version(ctx)
	s := Sample{Seq: seq, Offset: off, Size: ref.Size(), At: g.now()}
	if c := g.calibration.Load(); c != nil {
		if sky, err := c.ToSky(off); err == nil {
			s.Sky = &sky
		}
	}
	logging.LogOffset(g.log, seq, off.X, off.Y, s.At.Sub(start))
	return s, true, nil
}

// NextSample waits for the next sample published after the call.
func (g *Guider) NextSample(ctx context.Context) (Sample, error) {
	ch := make(chan Sample, 1)
	unsub := g.Subscribe(func(s Sample) {
		select {
		case ch <- s:
		default:
		}
	})
	defer unsub()
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}
