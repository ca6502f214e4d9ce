package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"scopie/internal/hwqueue"
	"scopie/internal/logging"
	"scopie/internal/stream"
)

// maxSlewRate is the fastest variable-rate slew accepted, in arcsec/s.
const maxSlewRate = 3600.0

// MountStatus is the periodically polled state of a mount. Positions are
// arcseconds from where the mount was opened.
type MountStatus struct {
	RA      float64   `json:"ra"`
	Dec     float64   `json:"dec"`
	RateRA  float64   `json:"rate_ra"`
	RateDec float64   `json:"rate_dec"`
	Slewing bool      `json:"slewing"`
	At      time.Time `json:"at"`
}

// SimMount integrates variable-rate slews and publishes its status every
// poll interval.
type SimMount struct {
	name   string
	q      *hwqueue.Queue
	clock  hwqueue.Clock
	poll   time.Duration
	log    *slog.Logger
	status stream.Stream[MountStatus]

	ra, dec         float64
	rateRA, rateDec float64
	last            time.Time
}

// NewSimMount opens a simulated mount polling every poll (1s when zero).
func NewSimMount(name string, poll time.Duration, clock hwqueue.Clock, reporter logging.Reporter, log *slog.Logger) *SimMount {
	if name == "" {
		name = "sim-mount"
	}
	if poll <= 0 {
		poll = time.Second
	}
	if clock == nil {
		clock = hwqueue.SystemClock
	}
	if log == nil {
		log = slog.Default()
	}
	m := &SimMount{name: name, clock: clock, poll: poll, log: log.With("mount", name)}
	m.last = clock.Now()
	m.q = hwqueue.New(name, m.idle, clock, reporter, log)
	return m
}

func (m *SimMount) Name() string { return m.name }

// Status is the polled status stream.
func (m *SimMount) Status() stream.Source[MountStatus] { return &m.status }

// Slew sets the variable slew rate along one axis in arcsec/s. Zero stops.
func (m *SimMount) Slew(ctx context.Context, ra bool, rate float64) error {
	if math.IsNaN(rate) || math.Abs(rate) > maxSlewRate {
		return fmt.Errorf("slew rate %v outside ±%v arcsec/s", rate, maxSlewRate)
	}
	_, err := m.q.Submit(func() error {
		m.integrate()
		if ra {
			m.rateRA = rate
		} else {
			m.rateDec = rate
		}
		m.log.Debug("variable slew", "ra", ra, "rate", rate)
		return nil
	}).Wait(ctx)
	return err
}

// Position reads the current position on the mount goroutine.
func (m *SimMount) Position(ctx context.Context) (MountStatus, error) {
	return hwqueue.Do(m.q, func() (MountStatus, error) {
		m.integrate()
		return m.snapshot(), nil
	}).Wait(ctx)
}

// Close stops any slew and the mount goroutine.
func (m *SimMount) Close() error {
	_, err := m.q.Dispose(func() error {
		m.integrate()
		m.rateRA, m.rateDec = 0, 0
		return nil
	}).Result()
	return err
}

func (m *SimMount) integrate() {
	now := m.clock.Now()
	dt := now.Sub(m.last).Seconds()
	m.ra += m.rateRA * dt
	m.dec += m.rateDec * dt
	m.last = now
}

func (m *SimMount) snapshot() MountStatus {
	return MountStatus{
		RA:      m.ra,
		Dec:     m.dec,
		RateRA:  m.rateRA,
		RateDec: m.rateDec,
		Slewing: m.rateRA != 0 || m.rateDec != 0,
		At:      m.last,
	}
}

func (m *SimMount) idle() (hwqueue.Policy, error) {
	m.integrate()
	m.status.Publish(m.snapshot())
	return hwqueue.WaitFor(m.poll), nil
}

// Mount is a mount the guider can move.
type Mount interface {
	Name() string
	Slew(ctx context.Context, ra bool, rate float64) error
	Status() stream.Source[MountStatus]
	Close() error
}

var (
	_ Mount  = (*SimMount)(nil)
	_ Camera = (*SimCamera)(nil)
)
