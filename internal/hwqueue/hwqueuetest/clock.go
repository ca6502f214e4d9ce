// Package hwqueuetest provides a manually driven clock for testing code built
// on hwqueue.
package hwqueuetest

import (
	"sync"
	"time"

	"scopie/internal/hwqueue"
)

// Clock only moves when Advance is called. Created receives the duration of
// every timer as it is created, so tests can wait until the owner goroutine
// has gone to sleep.
type Clock struct {
	Created chan time.Duration

	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

var _ hwqueue.Clock = (*Clock)(nil)

// NewClock starts at an arbitrary fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0), Created: make(chan time.Duration, 64)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) NewTimer(d time.Duration) hwqueue.Timer {
	c.mu.Lock()
	t := &timer{clock: c, deadline: c.now.Add(d), c: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	select {
	case c.Created <- d:
	default:
	}
	return t
}

// Advance moves the clock forward and fires every timer that is due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	live := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(c.now):
			t.stopped = true
			t.c <- c.now
		default:
			live = append(live, t)
		}
	}
	c.timers = live
}

type timer struct {
	clock    *Clock
	deadline time.Time
	c        chan time.Time
	stopped  bool
}

func (t *timer) C() <-chan time.Time { return t.c }

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}
