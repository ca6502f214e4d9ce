package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scopie/internal/frame"
	"scopie/internal/hwqueue"
	"scopie/internal/logging"
	"scopie/internal/stream"
)

// Camera produces frames as a push stream.
type Camera interface {
	Name() string
	Frames() stream.Source[frame.Frame]
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close() error
}

// SimCameraConfig describes a simulated camera.
type SimCameraConfig struct {
	Name     string
	Width    int
	Height   int
	Stars    int
	BitDepth int
	DriftX   float64 // pixels per frame
	DriftY   float64
	Exposure time.Duration
	Seed     int64
	// Pointing, if set, adds a pixel shift such as the one caused by mount
	// motion. It is called on the camera goroutine for every frame.
	Pointing func() (dx, dy float64)
}

// CameraStatus is a snapshot of the simulated camera state.
type CameraStatus struct {
	Name     string        `json:"name"`
	Exposing bool          `json:"exposing"`
	Frames   uint64        `json:"frames"`
	Exposure time.Duration `json:"exposure"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
}

// SimCamera renders a drifting star field. All state below the queue is
// owned by the queue's goroutine.
type SimCamera struct {
	cfg    SimCameraConfig
	q      *hwqueue.Queue
	clock  hwqueue.Clock
	log    *slog.Logger
	frames stream.Stream[frame.Frame]

	sky           *Sky
	exposing      bool
	exposureStart time.Time
	exposure      time.Duration
	seq           uint64
}

// NewSimCamera opens a simulated camera. It is idle until Start.
func NewSimCamera(cfg SimCameraConfig, clock hwqueue.Clock, reporter logging.Reporter, log *slog.Logger) *SimCamera {
	if cfg.Name == "" {
		cfg.Name = "sim-camera"
	}
	if cfg.BitDepth != 8 {
		cfg.BitDepth = 16
	}
	if clock == nil {
		clock = hwqueue.SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	c := &SimCamera{
		cfg:      cfg,
		clock:    clock,
		log:      log.With("camera", cfg.Name),
		exposure: cfg.Exposure,
	}
	// the queue starts without an idle action; installing it is the first
	// queued command so the sky is built on the owner goroutine
	c.q = hwqueue.New(cfg.Name, nil, clock, reporter, log)
	c.q.Submit(func() error {
		c.sky = NewSky(cfg.Width, cfg.Height, cfg.Stars, cfg.Seed)
		return nil
	})
	c.q.SetIdleAction(c.idle)
	return c
}

func (c *SimCamera) Name() string { return c.cfg.Name }

func (c *SimCamera) Frames() stream.Source[frame.Frame] { return &c.frames }

// Start begins continuous exposures.
func (c *SimCamera) Start(ctx context.Context) error {
	_, err := c.q.Submit(func() error {
		if !c.exposing {
			c.exposing = true
			c.exposureStart = c.clock.Now()
			c.log.Info("exposures started", "exposure", c.exposure)
		}
		return nil
	}).Wait(ctx)
	return err
}

// Stop ends exposures after the current command.
func (c *SimCamera) Stop(ctx context.Context) error {
	_, err := c.q.Submit(func() error {
		if c.exposing {
			c.exposing = false
			c.log.Info("exposures stopped", "frames", c.seq)
		}
		return nil
	}).Wait(ctx)
	return err
}

// SetExposure changes the exposure time of the next frame.
func (c *SimCamera) SetExposure(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative exposure %s", d)
	}
	_, err := c.q.Submit(func() error {
		c.exposure = d
		return nil
	}).Wait(ctx)
	return err
}

// Status reads the camera state on its goroutine.
func (c *SimCamera) Status(ctx context.Context) (CameraStatus, error) {
	return hwqueue.Do(c.q, func() (CameraStatus, error) {
		return CameraStatus{
			Name:     c.cfg.Name,
			Exposing: c.exposing,
			Frames:   c.seq,
			Exposure: c.exposure,
			Width:    c.cfg.Width,
			Height:   c.cfg.Height,
		}, nil
	}).Wait(ctx)
}

// Close stops the camera goroutine.
func (c *SimCamera) Close() error {
	_, err := c.q.Dispose(func() error {
		c.exposing = false
		c.sky = nil
		return nil
	}).Result()
	return err
}

// idle captures a frame once the exposure time has passed. While exposing it
// keeps the loop running; otherwise it sleeps until the next command.
func (c *SimCamera) idle() (hwqueue.Policy, error) {
	if !c.exposing || c.sky == nil {
		return hwqueue.WaitForCommand(), nil
	}
	if remaining := c.exposure - c.clock.Now().Sub(c.exposureStart); remaining > 0 {
		return hwqueue.WaitFor(remaining), nil
	}

	c.seq++
	dx, dy := float64(c.seq)*c.cfg.DriftX, float64(c.seq)*c.cfg.DriftY
	if c.cfg.Pointing != nil {
		px, py := c.cfg.Pointing()
		dx, dy = dx+px, dy+py
	}
	f := c.sky.Render(dx, dy, c.cfg.BitDepth)
	logging.LogFrame(c.log, c.cfg.Name, c.seq, f.Width(), f.Height(), f.SizeBytes())
	c.frames.Publish(f)

	c.exposureStart = c.clock.Now()
	return hwqueue.WaitFor(c.exposure), nil
}
