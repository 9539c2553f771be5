package ecs

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrUnknownComponentType = errors.New("unknown component type")
	ErrInvalidComponent     = errors.New("invalid component")
	ErrDuplicateID          = errors.New("duplicate entity id")
	ErrIndexOutOfRange      = errors.New("component index out of range")
)

// SystemFailure wraps an error or panic raised inside a system, observer or
// query callback. Source names the system or query the callback belongs to.
type SystemFailure struct {
	Source string
	Entity EntityID // zero when the failure is not tied to one entity
	Err    error
	Stack  []byte // set when the failure was a panic
}

func (f *SystemFailure) Error() string {
	if f.Entity != 0 {
		return fmt.Sprintf("%s (entity %d): %v", f.Source, f.Entity, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Source, f.Err)
}

func (f *SystemFailure) Unwrap() error { return f.Err }

// Guard runs fn and converts a returned error or a panic into a *SystemFailure.
func Guard(source string, entity EntityID, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SystemFailure{
				Source: source,
				Entity: entity,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  debug.Stack(),
			}
		}
	}()
	if e := fn(); e != nil {
		var sf *SystemFailure
		if errors.As(e, &sf) {
			return e
		}
		return &SystemFailure{Source: source, Entity: entity, Err: e}
	}
	return nil
}
