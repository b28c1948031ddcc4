package player

import "sync"

// Signal is a minimal observer list used to surface player events to UI and
// headless front-ends.
type Signal[T any] struct {
	mu       sync.Mutex
	handlers []func(T)
}

// Connect registers a handler.
func (s *Signal[T]) Connect(fn func(T)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// Emit calls every connected handler with v.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	handlers := append(([]func(T))(nil), s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(v)
	}
}
