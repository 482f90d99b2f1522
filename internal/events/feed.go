package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Feed is a typed, synchronous publish-subscribe stream.
// Subscribers are invoked in registration order on the goroutine that calls
// Emit, so a feed preserves the ordering of whatever drives it. The zero value
// is ready to use.
type Feed[T any] struct {
	mu     sync.RWMutex
	name   string
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id   uint64
	name string
	fn   func(T)
}

// NewFeed creates a feed. The name is only used for logging.
func NewFeed[T any](name string) *Feed[T] {
	return &Feed[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it again.
// The returned function is safe to call more than once.
func (f *Feed[T]) Subscribe(name string, fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscription[T]{id: id, name: name, fn: fn})
	f.mu.Unlock()

	log.Trace().
		Str("feed", f.name).
		Str("subscriber", name).
		Msg("subscribed to feed")

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	filtered := make([]subscription[T], 0, len(f.subs))
	for _, s := range f.subs {
		if s.id != id {
			filtered = append(filtered, s)
		}
	}
	f.subs = filtered
}

// Emit delivers v to every subscriber and returns once all of them have run.
// A panicking subscriber is logged and does not stop delivery to the others.
func (f *Feed[T]) Emit(v T) {
	f.mu.RLock()
	subs := make([]subscription[T], len(f.subs))
	copy(subs, f.subs)
	f.mu.RUnlock()

	for _, s := range subs {
		f.deliver(s, v)
	}
}

func (f *Feed[T]) deliver(s subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("feed", f.name).
				Str("subscriber", s.name).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	s.fn(v)
}

// Len returns the number of current subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
