package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Signal is a synchronous fan-out channel. Observers run on the notifying
// goroutine, in subscription order, every time Notify is called.
type Signal[T any] struct {
	mu        sync.RWMutex
	observers []*observer[T]
}

type observer[T any] struct {
	fn       func(T)
	disposed atomic.Bool
}

// NewSignal returns an empty signal.
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Subscribe registers fn and returns the handle that removes it.
func (s *Signal[T]) Subscribe(fn func(T)) *Handle {
	o := &observer[T]{fn: fn}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
	return newHandle(func() { s.remove(o) })
}

// SubscribeSelf registers an observer that receives its own handle, so it can
// dispose itself once it has seen the value it was waiting for.
func (s *Signal[T]) SubscribeSelf(fn func(T, *Handle)) *Handle {
	var h *Handle
	o := &observer[T]{}
	o.fn = func(v T) { fn(v, h) }
	h = newHandle(func() { s.remove(o) })
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
	return h
}

// Notify delivers v to every live observer. A panicking observer does not stop
// delivery to the others; recovered panics are returned combined.
func (s *Signal[T]) Notify(v T) error {
	s.mu.RLock()
	observers := make([]*observer[T], len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	var errs error
	for _, o := range observers {
		if o.disposed.Load() {
			continue
		}
		errs = multierr.Append(errs, call(o.fn, v))
	}
	return errs
}

// Len returns the number of live observers.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

func (s *Signal[T]) remove(o *observer[T]) {
	o.disposed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.observers {
		if cur == o {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func call[T any](fn func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	fn(v)
	return nil
}
