package livecache

import "sync"

// Signal holds a current value and a list of observers. It is the reactive
// primitive backing WSStatus, CacheEnabled, IsLeaderTab, Focused and
// OnlineState on the client; binding layers subscribe and adapt to framework-native state.
type Signal[T comparable] struct {
	mu      sync.Mutex
	value   T
	nextID  int
	watches map[int]func(T)
}

// NewSignal creates a signal with an initial value.
func NewSignal[T comparable](initial T) *Signal[T] {
	return &Signal[T]{
		value:   initial,
		watches: make(map[int]func(T)),
	}
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the current value. Observers run only when the value changed.
// Callbacks run on the caller's goroutine, after the lock is released, so an
// observer may call back into the signal.
func (s *Signal[T]) Set(v T) {
	s.mu.Lock()
	if s.value == v {
		s.mu.Unlock()
		return
	}
	s.value = v
	callbacks := make([]func(T), 0, len(s.watches))
	for _, fn := range s.watches {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(v)
	}
}

// Subscribe registers an observer and returns a handle that removes it.
// The observer is not invoked with the current value; use Get for that.
func (s *Signal[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watches[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
	}
}

// Watch returns a buffered channel receiving every change until unsubscribed.
// Changes arriving while the buffer is full are dropped; this is a test and
// debugging convenience, not a delivery guarantee.
func (s *Signal[T]) Watch() (<-chan T, func()) {
	ch := make(chan T, 16)
	unsub := s.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	return ch, unsub
}
