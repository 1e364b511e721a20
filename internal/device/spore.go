package device

import (
	"errors"
	"sync"
)

// Spore holds a device resource while no context is active. It has no
// accessor for the value: the only way to reach it is Sprout, which needs a
// live context on the owning device.
type Spore[T any] struct {
	mu    sync.Mutex
	owner Info
	value T
	full  bool
}

// Sporulate detaches v, created inside ctx, so it can be stored or moved
// freely.
func Sporulate[T any](ctx *Context, v T) (*Spore[T], error) {
	if ctx == nil || ctx.closed.Load() {
		return nil, ErrContextClosed
	}
	return &Spore[T]{owner: ctx.info, value: v, full: true}, nil
}

func (s *Spore[T]) Owner() Info { return s.owner }

// Empty reports whether the value has been sprouted or released.
func (s *Spore[T]) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.full
}

// Sprout binds the value to ctx and moves it out of the spore.
func (s *Spore[T]) Sprout(ctx *Context) (T, error) {
	var zero T
	if err := ctx.check(s.owner); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return zero, ErrSporeEmpty
	}
	v := s.value
	s.value = zero
	s.full = false
	return v, nil
}

// Release hands the value to free inside ctx and empties the spore. An
// empty spore releases nothing.
func (s *Spore[T]) Release(ctx *Context, free func(T)) error {
	v, err := s.Sprout(ctx)
	if errors.Is(err, ErrSporeEmpty) {
		return nil
	}
	if err != nil {
		return err
	}
	if free != nil {
		free(v)
	}
	return nil
}
