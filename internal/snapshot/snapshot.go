// Package snapshot serialises the entity store to an ordered list of entities
// and restores it with the original ids.
package snapshot

import (
	"fmt"

	"github.com/l1jgo/engine/internal/core/ecs"
)

// SerializedComponent is one component of a serialised entity.
type SerializedComponent struct {
	Type   string     `yaml:"type"`
	Fields ecs.Fields `yaml:"fields"`
}

// SerializedEntity is one entity of a snapshot.
type SerializedEntity struct {
	ID         ecs.EntityID          `yaml:"id"`
	Name       string                `yaml:"name"`
	Enabled    bool                  `yaml:"enabled"`
	Components []SerializedComponent `yaml:"components"`
}

// Take serialises every entity in creation order.
func Take(w *ecs.World) ([]SerializedEntity, error) {
	refs := w.Entities()
	out := make([]SerializedEntity, 0, len(refs))
	for _, ref := range refs {
		comps := ref.Components()
		if comps == nil && !ref.Alive() {
			// removed after the entity list was read
			continue
		}
		se := SerializedEntity{
			ID:         ref.ID(),
			Name:       ref.Name(),
			Enabled:    ref.Enabled(),
			Components: make([]SerializedComponent, 0, len(comps)),
		}
		for i, c := range comps {
			fields, err := ecs.NormalizeFields(c.Fields())
			if err != nil {
				return nil, fmt.Errorf("snapshot entity %d component %d (%s): %w", ref.ID(), i, c.TypeIdentifier(), err)
			}
			se.Components = append(se.Components, SerializedComponent{Type: c.TypeIdentifier(), Fields: fields})
		}
		out = append(out, se)
	}
	return out, nil
}

// Restore recreates the entities with their original ids, in order. With
// clearBefore the store is emptied first; otherwise a live id fails the whole
// call with ecs.ErrDuplicateID before anything is created. Components are
// instantiated through the registry before the first entity is created, so an
// unknown type leaves the store untouched. Extension components are not added:
// each entity gets exactly the components listed.
func Restore(w *ecs.World, clearBefore bool, entities []SerializedEntity) error {
	reg := w.Registry()
	built := make([][]ecs.Component, len(entities))
	seen := make(map[ecs.EntityID]bool, len(entities))
	for i, se := range entities {
		if seen[se.ID] {
			return fmt.Errorf("restore entity %d: listed twice: %w", se.ID, ecs.ErrDuplicateID)
		}
		seen[se.ID] = true
		if !clearBefore && w.Alive(se.ID) {
			return fmt.Errorf("restore entity %d: %w", se.ID, ecs.ErrDuplicateID)
		}
		comps := make([]ecs.Component, 0, len(se.Components))
		for j, sc := range se.Components {
			fields := sc.Fields
			if fields == nil {
				fields = ecs.Fields{}
			}
			c, err := reg.Instantiate(sc.Type, fields)
			if err != nil {
				return fmt.Errorf("restore entity %d component %d: %w", se.ID, j, err)
			}
			comps = append(comps, c)
		}
		built[i] = comps
	}

	if clearBefore {
		w.Clear()
	}
	for i, se := range entities {
		if _, err := w.RestoreEntity(se.ID, se.Name, se.Enabled, built[i]...); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}
