package ecs

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/l1jgo/engine/internal/core/event"
	"go.uber.org/zap"
)

// World is the entity and component store. It owns entity identity and each
// entity's ordered component list, and a deferred destruction queue flushed by
// CleanupSystem each frame.
//
// Structural mutations hold the write lock only for the duration of the call.
// Signals are delivered after the lock is released, on the goroutine that made
// the mutation, before the mutating call returns. Observers may mutate the
// World; those notifications are delivered before the inner call returns.
//
// A component instance belongs to at most one entity at a time.
type World struct {
	registry *Registry
	log      *zap.Logger

	mu      sync.RWMutex
	ids     idAllocator
	records map[EntityID]*entity
	order   []*entity
	seq     uint64
	version uint64
	owners  map[Component]EntityID

	destroyMu    sync.Mutex
	destroyQueue []EntityID

	// OnCreated fires after an entity has been created.
	OnCreated *event.Signal[EntityReference]
	// OnDeleted fires after an entity has been detached from the store.
	OnDeleted *event.Signal[EntityID]
	// OnUpdated fires after components were added or removed, or the enabled
	// flag changed.
	OnUpdated *event.Signal[EntityReference]
}

func NewWorld(registry *Registry, log *zap.Logger) *World {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &World{
		registry:     registry,
		log:          log,
		records:      make(map[EntityID]*entity, 256),
		order:        make([]*entity, 0, 256),
		owners:       make(map[Component]EntityID, 256),
		destroyQueue: make([]EntityID, 0, 64),
		OnCreated:    event.NewSignal[EntityReference](),
		OnDeleted:    event.NewSignal[EntityID](),
		OnUpdated:    event.NewSignal[EntityReference](),
	}
}

func (w *World) Registry() *Registry { return w.registry }
func (w *World) Logger() *zap.Logger { return w.log }

// Query starts a new query builder over this world.
func (w *World) Query() *QueryBuilder { return NewQueryBuilder(w) }

// Create allocates the next id and stores a new entity with the given components.
func (w *World) Create(name string, enabled bool, components ...Component) (EntityID, error) {
	comps, types, err := w.prepare(nil, components, true)
	if err != nil {
		return 0, fmt.Errorf("create entity %q: %w", name, err)
	}
	w.mu.Lock()
	if err := w.checkUnowned(comps); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("create entity %q: %w", name, err)
	}
	id := w.ids.next()
	w.insert(id, name, enabled, comps, types)
	w.mu.Unlock()

	w.emitCreated(id)
	return id, nil
}

// CreateWithID stores a new entity under a caller-chosen id. It fails with
// ErrDuplicateID when the id is live.
func (w *World) CreateWithID(id EntityID, name string, enabled bool, components ...Component) (EntityID, error) {
	return w.createWithID(id, name, enabled, true, components)
}

// RestoreEntity is CreateWithID without extension components: the entity gets
// exactly the given component list. Snapshot restore uses it so an extension
// removed before the snapshot was taken does not come back.
func (w *World) RestoreEntity(id EntityID, name string, enabled bool, components ...Component) (EntityID, error) {
	return w.createWithID(id, name, enabled, false, components)
}

func (w *World) createWithID(id EntityID, name string, enabled, extend bool, components []Component) (EntityID, error) {
	if id.IsZero() {
		return 0, fmt.Errorf("create entity %q: id 0 is reserved: %w", name, ErrDuplicateID)
	}
	comps, types, err := w.prepare(nil, components, extend)
	if err != nil {
		return 0, fmt.Errorf("create entity %d: %w", id, err)
	}
	w.mu.Lock()
	if _, ok := w.records[id]; ok {
		w.mu.Unlock()
		return 0, fmt.Errorf("create entity %d: %w", id, ErrDuplicateID)
	}
	if err := w.checkUnowned(comps); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("create entity %d: %w", id, err)
	}
	w.ids.reserve(id)
	w.insert(id, name, enabled, comps, types)
	w.mu.Unlock()

	w.emitCreated(id)
	return id, nil
}

// Remove detaches an entity and returns the components it carried, in order.
func (w *World) Remove(id EntityID) ([]Component, error) {
	w.mu.Lock()
	e, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("remove entity %d: %w", id, ErrUnknownEntity)
	}
	w.detach(e)
	comps := e.components
	w.disown(comps...)
	w.mu.Unlock()

	w.emit(func() error { return w.OnDeleted.Notify(id) })
	return comps, nil
}

// AddComponents appends components to an entity.
func (w *World) AddComponents(id EntityID, components ...Component) error {
	w.mu.Lock()
	e, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("add components to %d: %w", id, ErrUnknownEntity)
	}
	comps, types, err := w.prepare(e, components, true)
	if err == nil {
		err = w.checkUnowned(comps)
	}
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("add components to %d: %w", id, err)
	}
	e.components = append(e.components, comps...)
	e.types = append(e.types, types...)
	w.own(id, comps)
	w.version++
	w.mu.Unlock()

	w.emitUpdated(id)
	return nil
}

// RemoveComponent removes the component at index and returns it. Indices refer
// to the entity's list at the time the call acquires the store lock.
func (w *World) RemoveComponent(id EntityID, index int) (Component, error) {
	w.mu.Lock()
	e, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("remove component %d from %d: %w", index, id, ErrUnknownEntity)
	}
	if index < 0 || index >= len(e.components) {
		w.mu.Unlock()
		return nil, fmt.Errorf("remove component %d from %d (has %d): %w", index, id, len(e.components), ErrIndexOutOfRange)
	}
	removed := e.components[index]
	w.disown(removed)
	e.components = slices.Delete(e.components, index, index+1)
	e.types = slices.Delete(e.types, index, index+1)
	w.version++
	w.mu.Unlock()

	w.emitUpdated(id)
	return removed, nil
}

// Clear removes every entity, notifying OnDeleted for each in creation order.
// The id counter is kept so ids are never reissued.
func (w *World) Clear() {
	w.mu.Lock()
	ids := make([]EntityID, len(w.order))
	for i, e := range w.order {
		ids[i] = e.id
	}
	clear(w.records)
	clear(w.owners)
	w.order = w.order[:0]
	w.version++
	w.mu.Unlock()

	for _, id := range ids {
		w.emit(func() error { return w.OnDeleted.Notify(id) })
	}
}

// Entity returns a live reference to the entity, or false when absent.
func (w *World) Entity(id EntityID) (EntityReference, bool) {
	w.mu.RLock()
	_, ok := w.records[id]
	w.mu.RUnlock()
	if !ok {
		return EntityReference{}, false
	}
	return EntityReference{world: w, id: id}, true
}

func (w *World) Alive(id EntityID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.records[id]
	return ok
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.order)
}

// Entities returns references to every entity in creation order.
func (w *World) Entities() []EntityReference {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]EntityReference, len(w.order))
	for i, e := range w.order {
		out[i] = EntityReference{world: w, id: e.id}
	}
	return out
}

// Version increases on every structural change. Autosave compares it to skip
// unchanged worlds.
func (w *World) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// MarkForDestruction queues an entity for removal at the next flush.
func (w *World) MarkForDestruction(id EntityID) {
	w.destroyMu.Lock()
	w.destroyQueue = append(w.destroyQueue, id)
	w.destroyMu.Unlock()
}

// FlushDestroyQueue removes every queued entity and returns how many were
// still alive. Called by CleanupSystem at the end of each frame.
func (w *World) FlushDestroyQueue() int {
	w.destroyMu.Lock()
	queue := w.destroyQueue
	w.destroyQueue = make([]EntityID, 0, cap(queue))
	w.destroyMu.Unlock()

	removed := 0
	for _, id := range queue {
		if _, err := w.Remove(id); err == nil {
			removed++
		}
	}
	return removed
}

func (w *World) insert(id EntityID, name string, enabled bool, comps []Component, types []string) {
	w.seq++
	e := &entity{
		id:         id,
		seq:        w.seq,
		name:       name,
		enabled:    enabled,
		components: comps,
		types:      types,
	}
	w.records[id] = e
	w.order = append(w.order, e)
	w.own(id, comps)
	w.version++
}

func (w *World) detach(e *entity) {
	delete(w.records, e.id)
	if i, found := slices.BinarySearchFunc(w.order, e.seq, func(x *entity, seq uint64) int {
		switch {
		case x.seq < seq:
			return -1
		case x.seq > seq:
			return 1
		}
		return 0
	}); found {
		w.order = slices.Delete(w.order, i, i+1)
	}
	w.version++
}

// prepare validates added components against the registry and, with extend,
// appends the registered extensions of their types. existing may be nil for
// new entities.
func (w *World) prepare(existing *entity, added []Component, extend bool) ([]Component, []string, error) {
	comps := make([]Component, 0, len(added))
	types := make([]string, 0, len(added))
	for i, c := range added {
		typ, err := w.registry.typeOf(c)
		if err != nil {
			return nil, nil, fmt.Errorf("component %d: %w", i, err)
		}
		comps = append(comps, c)
		types = append(types, typ)
	}
	if !extend {
		return comps, types, nil
	}

	present := func(typ string) bool {
		if existing != nil && existing.has(typ) {
			return true
		}
		return slices.Contains(types, typ)
	}
	for i := 0; i < len(added); i++ {
		for _, ext := range w.registry.extensionsOf(types[i]) {
			if present(ext) {
				continue
			}
			c, err := w.registry.Instantiate(ext, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("extension %s of %s: %w", ext, types[i], err)
			}
			comps = append(comps, c)
			types = append(types, ext)
		}
	}
	return comps, types, nil
}

func (w *World) emitCreated(id EntityID) {
	ref := EntityReference{world: w, id: id}
	w.emit(func() error { return w.OnCreated.Notify(ref) })
}

func (w *World) emitUpdated(id EntityID) {
	ref := EntityReference{world: w, id: id}
	w.emit(func() error { return w.OnUpdated.Notify(ref) })
}

func (w *World) emit(notify func() error) {
	if err := notify(); err != nil {
		w.log.Error("entity signal observer failed", zap.Error(err))
	}
}

// checkUnowned rejects component instances that already belong to an entity
// or appear twice in comps. Callers hold w.mu.
func (w *World) checkUnowned(comps []Component) error {
	for i, c := range comps {
		if !trackable(c) {
			continue
		}
		if owner, ok := w.owners[c]; ok {
			return fmt.Errorf("component %d (%s) already belongs to entity %d: %w", i, c.TypeIdentifier(), owner, ErrInvalidComponent)
		}
		if slices.Contains(comps[:i], c) {
			return fmt.Errorf("component %d (%s) passed twice: %w", i, c.TypeIdentifier(), ErrInvalidComponent)
		}
	}
	return nil
}

func (w *World) own(id EntityID, comps []Component) {
	for _, c := range comps {
		if trackable(c) {
			w.owners[c] = id
		}
	}
}

func (w *World) disown(comps ...Component) {
	for _, c := range comps {
		if trackable(c) {
			delete(w.owners, c)
		}
	}
}

// trackable reports whether c has an identity of its own. Value components are
// copies, and pointers to zero-size types may share an address.
func trackable(c Component) bool {
	t := reflect.TypeOf(c)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem().Size() > 0
}

// lookup returns the live record for id. Callers hold w.mu.
func (w *World) lookup(id EntityID) (*entity, bool) {
	e, ok := w.records[id]
	return e, ok
}
