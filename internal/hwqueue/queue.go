// Package hwqueue serializes access to exclusive hardware state on one owner
// goroutine. Commands run in submission order; when the queue is empty the
// owner runs an idle action (polling, frame capture) whose returned Policy
// decides how long to sleep before the next idle run.
package hwqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"scopie/internal/logging"
)

// ErrClosed is returned for commands submitted after Dispose.
var ErrClosed = errors.New("hwqueue: disposed")

// Queue owns one goroutine. Everything submitted to it, including the idle
// action, runs on that goroutine and never concurrently.
type Queue struct {
	name     string
	clock    Clock
	reporter logging.Reporter
	log      *slog.Logger

	mu      sync.Mutex
	pending []func()
	closing bool
	wake    chan struct{}

	// owner goroutine only
	idle IdleAction
	dead bool

	done chan struct{}
}

// New starts the owner goroutine. nil clock, reporter or logger select the
// system clock, a discarding reporter and slog.Default.
func New(name string, idle IdleAction, clock Clock, reporter logging.Reporter, logger *slog.Logger) *Queue {
	if clock == nil {
		clock = SystemClock
	}
	if reporter == nil {
		reporter = logging.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:     name,
		clock:    clock,
		reporter: reporter,
		log:      logger.With("queue", name),
		wake:     make(chan struct{}, 1),
		idle:     idle,
		done:     make(chan struct{}),
	}
	go q.loop()
	return q
}

// Name identifies the queue in logs and reports.
func (q *Queue) Name() string { return q.name }

// Do queues fn on the owner goroutine of q. An error or panic in fn is
// delivered only to the returned future.
func Do[T any](q *Queue, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	cmd := func() {
		start := q.clock.Now()
		v, err := guarded(q.log, fn)
		if err != nil {
			logging.LogCommandError(q.log, q.name, q.clock.Now().Sub(start), err)
		}
		f.resolve(v, err)
	}
	if !q.enqueue(cmd, false) {
		return failedFuture[T](ErrClosed)
	}
	return f
}

// Submit queues a command without a result value.
func (q *Queue) Submit(fn func() error) *Future[struct{}] {
	return Do(q, func() (struct{}, error) { return struct{}{}, fn() })
}

// SetIdleAction replaces the idle action. The swap is itself queued, so
// commands submitted before it run under the old action and commands
// submitted after it under the new one.
func (q *Queue) SetIdleAction(idle IdleAction) *Future[struct{}] {
	f := newFuture[struct{}]()
	if !q.enqueue(func() {
		q.idle = idle
		f.resolve(struct{}{}, nil)
	}, false) {
		return failedFuture[struct{}](ErrClosed)
	}
	return f
}

// Dispose queues teardown as the final command. Commands already queued run
// first; later submissions fail with ErrClosed. The owner goroutine exits
// after teardown whatever its outcome.
func (q *Queue) Dispose(teardown func() error) *Future[struct{}] {
	f := newFuture[struct{}]()
	if !q.enqueue(func() {
		var err error
		if teardown != nil {
			_, err = guarded(q.log, func() (struct{}, error) { return struct{}{}, teardown() })
		}
		q.dead = true
		f.resolve(struct{}{}, err)
	}, true) {
		return failedFuture[struct{}](ErrClosed)
	}
	return f
}

// Done is closed when the owner goroutine has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Pending reports the number of queued commands.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) enqueue(cmd func(), last bool) bool {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, cmd)
	q.closing = last
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	cmd := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return cmd, true
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		// a token left from commands that were already drained must not cut
		// the next wait short
		select {
		case <-q.wake:
		default:
		}
		for {
			cmd, ok := q.pop()
			if !ok {
				break
			}
			cmd()
			if q.dead {
				q.log.Debug("queue disposed")
				return
			}
		}

		policy := q.runIdle()
		switch policy.kind {
		case loopImmediately:
		case waitFor:
			t := q.clock.NewTimer(policy.timeout)
			select {
			case <-q.wake:
				t.Stop()
			case <-t.C():
			}
		default:
			<-q.wake
		}
	}
}

func (q *Queue) runIdle() Policy {
	if q.idle == nil {
		return WaitForCommand()
	}
	start := q.clock.Now()
	policy, err := guarded(q.log, q.idle)
	if err != nil {
		q.reporter.Report(q.name, fmt.Errorf("idle action: %w", err))
		logging.LogCommandError(q.log, q.name, q.clock.Now().Sub(start), err)
		return WaitForCommand()
	}
	return policy
}

// guarded runs fn, converting a panic into an error.
func guarded[T any](log *slog.Logger, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
