package ecs

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// EntityReference is a handle into the World, not a copy: every accessor
// reads the entity's current state. Accessors on a removed entity return zero
// values; mutators return ErrUnknownEntity.
type EntityReference struct {
	world *World
	id    EntityID
}

func (r EntityReference) ID() EntityID   { return r.id }
func (r EntityReference) World() *World  { return r.world }
func (r EntityReference) IsZero() bool   { return r.world == nil || r.id.IsZero() }
func (r EntityReference) String() string { return "entity(" + r.id.String() + ")" }

// Alive reports whether the entity is still in the store.
func (r EntityReference) Alive() bool {
	return r.world != nil && r.world.Alive(r.id)
}

func (r EntityReference) Name() string {
	if r.world == nil {
		return ""
	}
	r.world.mu.RLock()
	defer r.world.mu.RUnlock()
	if e, ok := r.world.lookup(r.id); ok {
		return e.name
	}
	return ""
}

func (r EntityReference) SetName(name string) error {
	if r.world == nil {
		return fmt.Errorf("rename entity %d: %w", r.id, ErrUnknownEntity)
	}
	r.world.mu.Lock()
	defer r.world.mu.Unlock()
	e, ok := r.world.lookup(r.id)
	if !ok {
		return fmt.Errorf("rename entity %d: %w", r.id, ErrUnknownEntity)
	}
	e.name = name
	r.world.version++
	return nil
}

func (r EntityReference) Enabled() bool {
	if r.world == nil {
		return false
	}
	r.world.mu.RLock()
	defer r.world.mu.RUnlock()
	if e, ok := r.world.lookup(r.id); ok {
		return e.enabled
	}
	return false
}

// SetEnabled toggles whether queries see the entity. Disabling keeps the
// entity's identity and components.
func (r EntityReference) SetEnabled(enabled bool) error {
	if r.world == nil {
		return fmt.Errorf("enable entity %d: %w", r.id, ErrUnknownEntity)
	}
	w := r.world
	w.mu.Lock()
	e, ok := w.lookup(r.id)
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("enable entity %d: %w", r.id, ErrUnknownEntity)
	}
	changed := e.enabled != enabled
	e.enabled = enabled
	if changed {
		w.version++
	}
	w.mu.Unlock()

	if changed {
		w.emitUpdated(r.id)
	}
	return nil
}

// Components returns the entity's components in stored order. The slice is a
// copy; the components themselves are shared with the store.
func (r EntityReference) Components() []Component {
	if r.world == nil {
		return nil
	}
	r.world.mu.RLock()
	defer r.world.mu.RUnlock()
	e, ok := r.world.lookup(r.id)
	if !ok {
		return nil
	}
	out := make([]Component, len(e.components))
	copy(out, e.components)
	return out
}

// ComponentsByType returns the entity's components of one type identifier.
func (r EntityReference) ComponentsByType(typ string) []Component {
	if r.world == nil {
		return nil
	}
	typ = norm.NFC.String(typ)
	r.world.mu.RLock()
	defer r.world.mu.RUnlock()
	e, ok := r.world.lookup(r.id)
	if !ok {
		return nil
	}
	var out []Component
	for i, t := range e.types {
		if t == typ {
			out = append(out, e.components[i])
		}
	}
	return out
}

// AddComponents is shorthand for World.AddComponents on this entity.
func (r EntityReference) AddComponents(components ...Component) error {
	if r.world == nil {
		return fmt.Errorf("add components to %d: %w", r.id, ErrUnknownEntity)
	}
	return r.world.AddComponents(r.id, components...)
}

// RemoveComponent is shorthand for World.RemoveComponent on this entity.
func (r EntityReference) RemoveComponent(index int) (Component, error) {
	if r.world == nil {
		return nil, fmt.Errorf("remove component from %d: %w", r.id, ErrUnknownEntity)
	}
	return r.world.RemoveComponent(r.id, index)
}
