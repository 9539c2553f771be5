package ecs

import (
	"errors"
	"testing"
)

type transitions struct {
	created   map[EntityID]int
	teardowns map[EntityID]int
}

func watch(t *testing.T, q *Query) (*transitions, *Observation) {
	t.Helper()
	tr := &transitions{created: map[EntityID]int{}, teardowns: map[EntityID]int{}}
	obs := q.OnCreated(func(r Row) func() {
		id := r.ID(0)
		tr.created[id]++
		return func() { tr.teardowns[id]++ }
	})
	return tr, obs
}

func (tr *transitions) expect(t *testing.T, id EntityID, created, teardowns int) {
	t.Helper()
	if tr.created[id] != created || tr.teardowns[id] != teardowns {
		t.Errorf("entity %d: created=%d teardowns=%d, want %d/%d",
			id, tr.created[id], tr.teardowns[id], created, teardowns)
	}
}

func TestOnCreatedFiresForExistingMatches(t *testing.T) {
	w := newTestWorld(t)
	a, _ := w.Create("a", true, rec(t, "A", nil), rec(t, "B", nil))
	b, _ := w.Create("b", true, rec(t, "A", nil))

	tr, obs := watch(t, w.Query().WithID().With("A").With("B").MustBuild())
	tr.expect(t, a, 1, 0)
	tr.expect(t, b, 0, 0)
	if obs.Tracked() != 1 {
		t.Errorf("Tracked = %d", obs.Tracked())
	}
}

func TestOnCreatedTransitions(t *testing.T) {
	w := newTestWorld(t)
	q := w.Query().WithID().With("A").With("B").Without("C").MustBuild()
	tr, _ := watch(t, q)

	id, _ := w.Create("e", true, rec(t, "A", nil))
	tr.expect(t, id, 0, 0)

	must(t, w.AddComponents(id, rec(t, "B", nil)))
	tr.expect(t, id, 1, 0)

	// unrelated update while matching is not a new transition
	must(t, w.AddComponents(id, rec(t, "Tag", nil)))
	tr.expect(t, id, 1, 0)

	ref, _ := w.Entity(id)
	must(t, ref.SetEnabled(false))
	tr.expect(t, id, 1, 1)
	must(t, ref.SetEnabled(true))
	tr.expect(t, id, 2, 1)

	must(t, w.AddComponents(id, rec(t, "C", nil)))
	tr.expect(t, id, 2, 2)
	_, err := w.RemoveComponent(id, 3)
	must(t, err)
	tr.expect(t, id, 3, 2)

	// removing a required component
	_, err = w.RemoveComponent(id, 1)
	must(t, err)
	tr.expect(t, id, 3, 3)
	must(t, w.AddComponents(id, rec(t, "B", nil)))
	tr.expect(t, id, 4, 3)

	_, err = w.Remove(id)
	must(t, err)
	tr.expect(t, id, 4, 4)
}

func TestSecondComponentOfTypeIsNotATransition(t *testing.T) {
	w := newTestWorld(t)
	tr, _ := watch(t, w.Query().WithID().With("A").MustBuild())
	id, _ := w.Create("e", true, rec(t, "A", nil), rec(t, "A", nil))
	tr.expect(t, id, 1, 0)
	_, err := w.RemoveComponent(id, 0)
	must(t, err)
	tr.expect(t, id, 1, 0)
	_, err = w.RemoveComponent(id, 0)
	must(t, err)
	tr.expect(t, id, 1, 1)
}

func TestObservationDisposeSkipsTeardowns(t *testing.T) {
	w := newTestWorld(t)
	tr, obs := watch(t, w.Query().WithID().With("A").MustBuild())
	id, _ := w.Create("e", true, rec(t, "A", nil))
	tr.expect(t, id, 1, 0)

	obs.Dispose()
	obs.Dispose()
	w.Remove(id)
	tr.expect(t, id, 1, 0)

	other, _ := w.Create("later", true, rec(t, "A", nil))
	tr.expect(t, other, 0, 0)
}

func TestClearTearsDownObservedEntities(t *testing.T) {
	w := newTestWorld(t)
	tr, obs := watch(t, w.Query().WithID().With("A").MustBuild())
	a, _ := w.Create("a", true, rec(t, "A", nil))
	b, _ := w.Create("b", true, rec(t, "A", nil))
	w.Clear()
	tr.expect(t, a, 1, 1)
	tr.expect(t, b, 1, 1)
	if obs.Tracked() != 0 {
		t.Errorf("Tracked = %d after Clear", obs.Tracked())
	}
}

type failingObserver struct {
	matched, unmatched int
}

func (f *failingObserver) OnMatch(Row) (any, error) {
	f.matched++
	return nil, errors.New("match failed")
}

func (f *failingObserver) OnUnmatch(EntityID, any) error {
	f.unmatched++
	panic("unmatch panicked")
}

func TestObserverFailureDoesNotBreakStore(t *testing.T) {
	w := newTestWorld(t)
	f := &failingObserver{}
	w.Query().With("A").MustBuild().Observe(f)

	id, err := w.Create("e", true, rec(t, "A", nil))
	must(t, err)
	must(t, w.AddComponents(id, rec(t, "B", nil)))
	if _, err := w.Remove(id); err != nil {
		t.Fatal(err)
	}
	if f.matched != 1 || f.unmatched != 1 {
		t.Errorf("matched=%d unmatched=%d, want 1/1", f.matched, f.unmatched)
	}
	if w.Len() != 0 {
		t.Errorf("Len = %d", w.Len())
	}
}

func TestObserverMutatingWorld(t *testing.T) {
	w := newTestWorld(t)
	q := w.Query().WithEntity().With("A").Without("B").MustBuild()
	calls := 0
	q.OnCreated(func(r Row) func() {
		calls++
		// tagging the entity makes it stop matching
		if err := r.Entity(0).AddComponents(rec(t, "B", nil)); err != nil {
			t.Errorf("add from observer: %v", err)
		}
		return nil
	})
	id, _ := w.Create("e", true, rec(t, "A", nil))
	ref, _ := w.Entity(id)
	if calls != 1 || len(ref.ComponentsByType("B")) != 1 {
		t.Errorf("calls=%d B=%d", calls, len(ref.ComponentsByType("B")))
	}
	if q.Matches(id) {
		t.Error("entity still matches after observer tagged it")
	}
}

func TestObserverCreatingMatchingEntities(t *testing.T) {
	w := newTestWorld(t)
	q := w.Query().WithName().With("A").MustBuild()
	var order []string
	q.OnCreated(func(r Row) func() {
		order = append(order, r.Name(0))
		if r.Name(0) == "parent" {
			if _, err := w.Create("child", true, rec(t, "A", nil)); err != nil {
				t.Errorf("create from observer: %v", err)
			}
			order = append(order, "parent-done")
		}
		return nil
	})

	_, err := w.Create("parent", true, rec(t, "A", nil))
	must(t, err)
	want := []string{"parent", "child", "parent-done"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
