package ecs

import "strconv"

// EntityID is a process-unique entity handle. IDs are handed out in increasing
// order and are never reissued by the World that allocated them, even after
// the entity is removed or the World is cleared.
type EntityID uint64

func (id EntityID) IsZero() bool   { return id == 0 }
func (id EntityID) String() string { return strconv.FormatUint(uint64(id), 10) }

// idAllocator hands out monotonically increasing ids. Explicit ids requested
// through CreateWithID raise the high-water mark so later allocations skip them.
type idAllocator struct {
	last uint64
}

func (a *idAllocator) next() EntityID {
	a.last++
	return EntityID(a.last)
}

func (a *idAllocator) reserve(id EntityID) {
	if uint64(id) > a.last {
		a.last = uint64(id)
	}
}

// entity is the store-owned record behind an EntityReference.
type entity struct {
	id         EntityID
	seq        uint64 // insertion order, used to keep iteration in creation order
	name       string
	enabled    bool
	components []Component
	types      []string // normalised type identifier per component, same index
}

func (e *entity) has(typ string) bool {
	for _, t := range e.types {
		if t == typ {
			return true
		}
	}
	return false
}

func (e *entity) first(typ string) Component {
	for i, t := range e.types {
		if t == typ {
			return e.components[i]
		}
	}
	return nil
}
