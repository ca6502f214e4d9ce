package guide

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"scopie/internal/registration"
)

// ErrUncalibrated means the calibration vectors are missing or degenerate.
var ErrUncalibrated = errors.New("guide: not calibrated")

// minCalibration is the smallest |x|+|y| accepted for a calibration vector.
const minCalibration = 0.001

// SkyOffset is an offset in arcseconds along the mount axes.
type SkyOffset struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Calibration holds the pixel displacement per arcsecond of mount motion
// along each axis.
type Calibration struct {
	RA  registration.Offset `json:"ra"`
	Dec registration.Offset `json:"dec"`
}

func (c Calibration) valid() bool {
	return math.Abs(c.RA.X)+math.Abs(c.RA.Y) > minCalibration &&
		math.Abs(c.Dec.X)+math.Abs(c.Dec.Y) > minCalibration
}

// Inverse returns the matrix mapping pixel offsets to arcseconds.
func (c Calibration) Inverse() (*mat.Dense, error) {
	if !c.valid() {
		return nil, ErrUncalibrated
	}
	m := mat.NewDense(2, 2, []float64{
		c.RA.X, c.Dec.X,
		c.RA.Y, c.Dec.Y,
	})
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUncalibrated, err)
	}
	return &inv, nil
}

// ToSky converts a pixel offset to arcseconds along RA and Dec.
func (c Calibration) ToSky(o registration.Offset) (SkyOffset, error) {
	inv, err := c.Inverse()
	if err != nil {
		return SkyOffset{}, err
	}
	var v mat.VecDense
	v.MulVec(inv, mat.NewVecDense(2, []float64{o.X, o.Y}))
	return SkyOffset{RA: v.AtVec(0), Dec: v.AtVec(1)}, nil
}

// Rate derives a calibration vector from offsets measured before and after a
// move of the given number of arcseconds.
func Rate(start, finish registration.Offset, arcseconds float64) registration.Offset {
	return registration.Offset{
		X: (finish.X - start.X) / arcseconds,
		Y: (finish.Y - start.Y) / arcseconds,
	}
}

// Slewer moves the mount at a variable rate along one axis. rate is in
// arcseconds per second; zero stops.
type Slewer interface {
	Slew(ctx context.Context, ra bool, rate float64) error
}

// CalibrateAxis moves the mount along one axis for d at rate, measures the
// resulting pixel shift and moves the mount back. The guider's calibration
// becomes active once both axes have been measured and are usable. settle is waited after stopping before measuring.
func (g *Guider) CalibrateAxis(ctx context.Context, m Slewer, ra bool, rate float64, d, settle time.Duration) (registration.Offset, error) {
	if g.reference.Load() == nil {
		return registration.Offset{}, ErrNoReference
	}
	first, err := g.NextSample(ctx)
	if err != nil {
		return registration.Offset{}, fmt.Errorf("initial offset: %w", err)
	}

	if err := slewFor(ctx, m, ra, rate, d); err != nil {
		return registration.Offset{}, err
	}
	if err := sleep(ctx, settle); err != nil {
		return registration.Offset{}, err
	}
	last, err := g.NextSample(ctx)
	if err != nil {
		return registration.Offset{}, fmt.Errorf("final offset: %w", err)
	}

	vec := Rate(first.Offset, last.Offset, rate*d.Seconds())
	g.calMu.Lock()
	if ra {
		g.pending.RA = vec
	} else {
		g.pending.Dec = vec
	}
	c := g.pending
	_, err = c.Inverse()
	if err == nil {
		g.calibration.Store(&c)
	}
	g.calMu.Unlock()
	g.log.Info("axis calibrated", "ra", ra, "pixels_per_arcsec", vec.String(), "complete", err == nil)

	if err := slewFor(ctx, m, ra, -rate, d); err != nil {
		return vec, fmt.Errorf("return slew: %w", err)
	}
	return vec, nil
}

func slewFor(ctx context.Context, m Slewer, ra bool, rate float64, d time.Duration) error {
	if err := m.Slew(ctx, ra, rate); err != nil {
		return fmt.Errorf("slew: %w", err)
	}
	waitErr := sleep(ctx, d)
	// always try to stop, even when cancelled
	if err := m.Slew(context.WithoutCancel(ctx), ra, 0); err != nil {
		return fmt.Errorf("stop slew: %w", err)
	}
	return waitErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
