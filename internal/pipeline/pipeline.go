// Package pipeline runs an expensive per-item transform on a bounded set of
// workers and publishes only results that are newer than anything published
// before. Items that are already obsolete when a worker becomes free are
// dropped without running the transform.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"scopie/internal/logging"
	"scopie/internal/stream"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline: closed")

// Func transforms one input. ok=false means the input produced nothing usable;
// it is dropped silently. A non-nil error is reported and the input dropped.
type Func[In, Out any] func(ctx context.Context, in In) (out Out, ok bool, err error)

type versionKey struct{}

// Version returns the input version of the item whose transform received ctx.
func Version(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(versionKey{}).(uint64)
	return v, ok
}

// Stats counts what happened to submitted items.
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Skipped    uint64 `json:"skipped"`    // obsolete before the transform ran
	Superseded uint64 `json:"superseded"` // transformed, but a newer result won
	NoResult   uint64 `json:"no_result"`
	Failed     uint64 `json:"failed"`
	Published  uint64 `json:"published"`
}

// Pipeline is a versioned latest-wins pipeline. It is itself a push stream
// source of its results.
type Pipeline[In, Out any] struct {
	name     string
	fn       Func[In, Out]
	reporter logging.Reporter
	log      *slog.Logger
	sem      chan struct{}
	out      stream.Stream[Out]

	wg sync.WaitGroup

	// mu guards the two version counters, closed and the publish step.
	mu      sync.Mutex
	input   uint64
	output  uint64
	closed  bool
	stopped chan struct{}

	accepted, skipped, superseded, noResult, failed, published atomic.Uint64
}

// New creates a pipeline running fn on at most workers items at a time.
// A nil reporter discards failures; a nil logger uses slog.Default.
func New[In, Out any](name string, workers int, fn Func[In, Out], reporter logging.Reporter, logger *slog.Logger) *Pipeline[In, Out] {
	if workers < 1 {
		workers = 1
	}
	if reporter == nil {
		reporter = logging.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline[In, Out]{
		name:     name,
		fn:       fn,
		reporter: reporter,
		log:      logger.With("pipeline", name),
		sem:      make(chan struct{}, workers),
		stopped:  make(chan struct{}),
	}
}

// Name identifies the pipeline in logs and reports.
func (p *Pipeline[In, Out]) Name() string { return p.name }

// Workers is the concurrency limit.
func (p *Pipeline[In, Out]) Workers() int { return cap(p.sem) }

// Submit accepts in and schedules it without blocking. It returns the input
// version assigned to in.
func (p *Pipeline[In, Out]) Submit(in In) (uint64, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.input++
	v := p.input
	p.wg.Add(1)
	p.mu.Unlock()

	p.accepted.Add(1)
	go p.run(v, in)
	return v, nil
}

// Attach submits every value published on src, starting with its current
// value if one exists. The returned function detaches.
func (p *Pipeline[In, Out]) Attach(src stream.Source[In]) (detach func()) {
	submit := func(in In) {
		if _, err := p.Submit(in); err != nil && !errors.Is(err, ErrClosed) {
			p.reporter.Report(p.name, err)
		}
	}
	return src.Follow(submit)
}

func (p *Pipeline[In, Out]) run(v uint64, in In) {
	defer p.wg.Done()

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	p.mu.Lock()
	latest, published := p.input, p.output
	p.mu.Unlock()

	if v+1 < latest {
		p.skipped.Add(1)
		logging.LogPipelineSkip(p.log, p.name, v, latest, "newer input waiting")
		return
	}
	if v <= published {
		p.skipped.Add(1)
		logging.LogPipelineSkip(p.log, p.name, v, published, "newer result published")
		return
	}

	start := time.Now()
	out, ok, err := p.call(context.WithValue(context.Background(), versionKey{}, v), in)
	if err != nil {
		p.failed.Add(1)
		p.reporter.Report(p.name, fmt.Errorf("item %d: %w", v, err))
		return
	}
	if !ok {
		p.noResult.Add(1)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v <= p.output {
		p.superseded.Add(1)
		logging.LogPipelineSkip(p.log, p.name, v, p.output, "superseded after transform")
		return
	}
	p.output = v
	p.out.Publish(out)
	p.published.Add(1)
	p.log.Debug("result published", "version", v, "duration_ms", time.Since(start).Milliseconds())
}

// call runs fn, converting a panic into an error.
func (p *Pipeline[In, Out]) call(ctx context.Context, in In) (out Out, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("transform panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
			ok = false
		}
	}()
	return p.fn(ctx, in)
}

// Current returns the newest published result.
func (p *Pipeline[In, Out]) Current() (Out, bool) { return p.out.Current() }

// Subscribe registers fn for every published result. fn runs with the
// pipeline's publish lock held and must not call Submit on the same pipeline.
func (p *Pipeline[In, Out]) Subscribe(fn func(Out)) func() { return p.out.Subscribe(fn) }

// Follow is Subscribe plus an immediate call with the current result.
func (p *Pipeline[In, Out]) Follow(fn func(Out)) func() { return p.out.Follow(fn) }

// Versions returns the highest accepted input version and the highest
// published output version.
func (p *Pipeline[In, Out]) Versions() (input, output uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input, p.output
}

func (p *Pipeline[In, Out]) Stats() Stats {
	return Stats{
		Accepted:   p.accepted.Load(),
		Skipped:    p.skipped.Load(),
		Superseded: p.superseded.Load(),
		NoResult:   p.noResult.Load(),
		Failed:     p.failed.Load(),
		Published:  p.published.Load(),
	}
}

// Close stops accepting input and waits until every accepted item has either
// been skipped by the usual rules or finished its transform.
func (p *Pipeline[In, Out]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	close(p.stopped)
}
