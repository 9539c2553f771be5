package ecs

import (
	"sync"
	"sync/atomic"

	"github.com/l1jgo/engine/internal/core/event"
	"go.uber.org/zap"
)

// MatchObserver receives the match transitions of a query. OnMatch runs when
// an entity starts matching and may return a token; OnUnmatch receives that
// token when the same entity stops matching.
type MatchObserver interface {
	OnMatch(row Row) (token any, err error)
	OnUnmatch(id EntityID, token any) error
}

// Observation tracks, per entity, whether a query's observer has seen it
// match. It is re-evaluated on every create, update and delete of the World,
// on the goroutine that made the change.
//
// Callbacks run without o.mu held, so an observer may mutate the World. While
// a callback for an entity is running, further changes to that entity are
// folded into a re-check made by the same call once the callback returns.
type Observation struct {
	query    *Query
	observer MatchObserver
	handles  event.Group
	disposed atomic.Bool

	mu      sync.Mutex
	slots   map[EntityID]*slot
	matched int
}

type slot struct {
	token   any
	tracked bool
	busy    bool // a reconcile call owns this entity
	dirty   bool // changed while busy
}

// Observe subscribes observer to the query's transitions. Entities that
// already match are reported before Observe returns.
func (q *Query) Observe(observer MatchObserver) *Observation {
	o := &Observation{
		query:    q,
		observer: observer,
		slots:    make(map[EntityID]*slot),
	}
	w := q.world
	o.handles.Add(w.OnCreated.Subscribe(func(ref EntityReference) { o.reconcile(ref.id) }))
	o.handles.Add(w.OnUpdated.Subscribe(func(ref EntityReference) { o.reconcile(ref.id) }))
	o.handles.Add(w.OnDeleted.Subscribe(func(id EntityID) { o.reconcile(id) }))
	for _, id := range q.IDs() {
		o.reconcile(id)
	}
	return o
}

// OnCreated calls fn for each entity that matches now and for each later
// transition into matching. If fn returns a function, it is called once when
// that entity stops matching.
func (q *Query) OnCreated(fn func(Row) func()) *Observation {
	return q.Observe(createdFunc(fn))
}

// Dispose stops future transitions. Teardowns of entities still matching are
// not called.
func (o *Observation) Dispose() {
	o.disposed.Store(true)
	o.handles.Dispose()
}

// Tracked returns how many entities the observer currently sees as matching.
func (o *Observation) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.matched
}

func (o *Observation) reconcile(id EntityID) {
	if o.disposed.Load() {
		return
	}
	o.mu.Lock()
	s, ok := o.slots[id]
	if !ok {
		s = &slot{}
		o.slots[id] = s
	}
	if s.busy {
		s.dirty = true
		o.mu.Unlock()
		return
	}
	s.busy = true
	for {
		s.dirty = false
		o.mu.Unlock()
		row, matching := o.query.Row(id)
		if o.disposed.Load() {
			o.mu.Lock()
			break
		}
		o.mu.Lock()
		switch {
		case matching && !s.tracked:
			// Tracked even on failure so the transition is reported only once.
			s.tracked = true
			o.matched++
			o.mu.Unlock()
			var tok any
			err := Guard(o.query.name, id, func() error {
				var err error
				tok, err = o.observer.OnMatch(row)
				return err
			})
			if err != nil {
				o.report("query observer failed on match", id, err)
			}
			o.mu.Lock()
			s.token = tok
		case !matching && s.tracked:
			token := s.token
			s.tracked, s.token = false, nil
			o.matched--
			o.mu.Unlock()
			err := Guard(o.query.name, id, func() error { return o.observer.OnUnmatch(id, token) })
			if err != nil {
				o.report("query observer failed on unmatch", id, err)
			}
			o.mu.Lock()
		}
		if !s.dirty {
			break
		}
	}
	s.busy = false
	if !s.tracked {
		delete(o.slots, id)
	}
	o.mu.Unlock()
}

func (o *Observation) report(msg string, id EntityID, err error) {
	o.query.world.log.Error(msg,
		zap.String("query", o.query.name),
		zap.Uint64("entity", uint64(id)),
		zap.Error(err))
}

type createdFunc func(Row) func()

func (f createdFunc) OnMatch(row Row) (any, error) {
	if teardown := f(row); teardown != nil {
		return teardown, nil
	}
	return nil, nil
}

func (f createdFunc) OnUnmatch(_ EntityID, token any) error {
	if teardown, ok := token.(func()); ok {
		teardown()
	}
	return nil
}
