package stream

import "sync"

// Watch adapts src to a channel for consumers that prefer to select. The
// current value, if any, is delivered first. When the channel is full new
// values are dropped, so a slow reader sees gaps rather than stalling the
// publisher. The returned function unsubscribes and closes the channel.
func Watch[T any](src Source[T], buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	send := func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
		}
	}

	unsub := src.Follow(send)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsub()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
