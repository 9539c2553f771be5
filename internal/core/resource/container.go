package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrMissing   = errors.New("resource not registered")
	ErrDuplicate = errors.New("resource already registered")
	ErrType      = errors.New("resource has a different type")
)

// Container holds named singleton services that systems look up at run time.
// It is built by the host during module installation and passed to every
// module and frame explicitly.
type Container struct {
	mu    sync.RWMutex
	items map[string]any
	order []string
}

func NewContainer() *Container {
	return &Container{items: make(map[string]any)}
}

// Provide registers value under name. A name can only be provided once.
func (c *Container) Provide(name string, value any) error {
	if value == nil {
		return fmt.Errorf("provide %q: nil value", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[name]; ok {
		return fmt.Errorf("provide %q: %w", name, ErrDuplicate)
	}
	c.items[name] = value
	c.order = append(c.order, name)
	return nil
}

// Set registers or replaces value under name.
func (c *Container) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[name]; !ok {
		c.order = append(c.order, name)
	}
	c.items[name] = value
}

// Lookup returns the raw value registered under name.
func (c *Container) Lookup(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[name]
	return v, ok
}

// Remove deletes name and reports whether it was present.
func (c *Container) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[name]; !ok {
		return false
	}
	delete(c.items, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Names returns the registered names in sorted order.
func (c *Container) Names() []string {
	c.mu.RLock()
	names := append([]string(nil), c.order...)
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Get is the soft lookup: it returns false when name is absent or holds a
// value of another type.
func Get[T any](c *Container, name string) (T, bool) {
	v, ok := c.Lookup(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Fetch is Get with a descriptive error.
func Fetch[T any](c *Container, name string) (T, error) {
	var zero T
	v, ok := c.Lookup(name)
	if !ok {
		return zero, fmt.Errorf("resource %q: %w", name, ErrMissing)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("resource %q is %T, want %T: %w", name, v, zero, ErrType)
	}
	return t, nil
}

// Require returns the resource under name and panics when it is missing or of
// another type. Use it for services a module cannot run without.
func Require[T any](c *Container, name string) T {
	t, err := Fetch[T](c, name)
	if err != nil {
		panic(err)
	}
	return t
}
