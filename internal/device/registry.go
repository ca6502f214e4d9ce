// Package device holds the devices an application has open: an explicit
// registry owned by the application root, and simulated camera and mount
// implementations whose hardware state lives on a hwqueue owner goroutine.
package device

import (
	"fmt"
	"sort"
	"sync"

	"scopie/internal/stream"
)

// Registry tracks live devices of one kind by name. Changes publishes the
// sorted name list after every Add and Remove.
type Registry[T any] struct {
	mu      sync.Mutex
	items   map[string]T
	changes stream.Stream[[]string]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Add registers dev under name. Names are unique.
func (r *Registry[T]) Add(name string, dev T) error {
	r.mu.Lock()
	if _, ok := r.items[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q already registered", name)
	}
	r.items[name] = dev
	names := r.namesLocked()
	r.mu.Unlock()

	r.changes.Publish(names)
	return nil
}

// Remove unregisters name and returns the device that was registered.
func (r *Registry[T]) Remove(name string) (T, bool) {
	r.mu.Lock()
	dev, ok := r.items[name]
	if !ok {
		r.mu.Unlock()
		return dev, false
	}
	delete(r.items, name)
	names := r.namesLocked()
	r.mu.Unlock()

	r.changes.Publish(names)
	return dev, true
}

func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.items[name]
	return dev, ok
}

// Names returns the registered names in order.
func (r *Registry[T]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

// All returns the registered devices ordered by name.
func (r *Registry[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.items))
	for _, name := range r.namesLocked() {
		out = append(out, r.items[name])
	}
	return out
}

func (r *Registry[T]) Changes() stream.Source[[]string] { return &r.changes }

func (r *Registry[T]) namesLocked() []string {
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
