// Package stream provides a push stream: the most recent value plus ordered,
// synchronous change notifications.
package stream

import "sync"

// Source is the read side of a push stream.
type Source[T any] interface {
	// Current returns the most recently published value, if any.
	Current() (T, bool)
	// Subscribe registers fn for every future publish and returns a function
	// that removes it again.
	Subscribe(fn func(T)) (unsubscribe func())
	// Follow is Subscribe plus an immediate call with the current value, if
	// any. No publish can interleave between the two.
	Follow(fn func(T)) (unsubscribe func())
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Stream is a push stream. The zero value is ready to use.
//
// Publish invokes every subscriber once, synchronously, in subscription order.
// Concurrent publishes are serialized so that all subscribers observe values in
// the same order. A subscriber must not publish to the stream it is subscribed to.
type Stream[T any] struct {
	pubMu sync.Mutex

	mu      sync.Mutex
	current T
	has     bool
	subs    []subscriber[T]
	nextID  int
}

// New returns an empty stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{}
}

func (s *Stream[T]) Current() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.has
}

func (s *Stream[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Stream[T]) Follow(fn func(T)) func() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	unsub := s.Subscribe(fn)
	if v, ok := s.Current(); ok {
		fn(v)
	}
	return unsub
}

func (s *Stream[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			// copy so that in-flight snapshots keep their view
			next := make([]subscriber[T], 0, len(s.subs)-1)
			next = append(next, s.subs[:i]...)
			s.subs = append(next, s.subs[i+1:]...)
			return
		}
	}
}

// Publish replaces the current value and notifies subscribers.
func (s *Stream[T]) Publish(v T) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.current, s.has = v, true
	subs := s.subs
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

// Subscribers reports the number of registered subscribers.
func (s *Stream[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
