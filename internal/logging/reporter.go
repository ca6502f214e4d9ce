package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Reporter receives failures that must not stop the component that hit them:
// pipeline transform errors, idle-action failures and the like.
type Reporter interface {
	Report(source string, err error)
}

// Report is a single reported failure.
type Report struct {
	Source string    `json:"source"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Sink is an additional destination for reports, such as the session store.
type Sink func(Report)

// ErrorLog is the process reporter. It logs every report, keeps the most
// recent ones in a ring and forwards them to registered sinks.
type ErrorLog struct {
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	ring  []Report
	next  int
	full  bool
	total uint64
	sinks []Sink
}

// NewErrorLog keeps up to capacity recent reports.
func NewErrorLog(log *slog.Logger, capacity int) *ErrorLog {
	if log == nil {
		log = slog.Default()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &ErrorLog{log: log, now: time.Now, ring: make([]Report, capacity)}
}

// AddSink registers s for subsequent reports.
func (e *ErrorLog) AddSink(s Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

func (e *ErrorLog) Report(source string, err error) {
	if err == nil {
		return
	}
	r := Report{Source: source, Error: err.Error(), At: e.now()}
	e.log.Error("reported error", "source", source, "error", r.Error)

	e.mu.Lock()
	e.ring[e.next] = r
	e.next = (e.next + 1) % len(e.ring)
	if e.next == 0 {
		e.full = true
	}
	e.total++
	sinks := e.sinks
	e.mu.Unlock()

	for _, s := range sinks {
		s(r)
	}
}

// Recent returns the retained reports, oldest first.
func (e *ErrorLog) Recent() []Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.full {
		return append([]Report(nil), e.ring[:e.next]...)
	}
	out := make([]Report, 0, len(e.ring))
	out = append(out, e.ring[e.next:]...)
	return append(out, e.ring[:e.next]...)
}

// Total counts every report since construction.
func (e *ErrorLog) Total() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(string, error) {}
