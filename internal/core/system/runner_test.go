package system

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/engine/internal/core/ecs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	return NewScheduler(ecs.NewWorld(nil, nil), nil, nil, opts)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func frames(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		must(t, s.RunFrame(context.Background(), time.Second/60))
	}
}

// goid returns the current goroutine id from the stack header.
func goid() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	buf = buf[:bytes.IndexByte(buf, ' ')]
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(s string) int {
	n := 0
	for _, c := range r.get() {
		if c == s {
			n++
		}
	}
	return n
}

func TestLifecycleErrors(t *testing.T) {
	s := newScheduler(t, Options{})
	if err := s.RunFrame(context.Background(), 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("RunFrame before Setup err = %v", err)
	}
	must(t, s.Setup(context.Background()))
	if s.State() != StateRunning {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Setup(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Setup err = %v", err)
	}
	must(t, s.Shutdown(context.Background()))
	if s.State() != StateStopped {
		t.Errorf("state = %v", s.State())
	}
	if err := s.Shutdown(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Shutdown err = %v", err)
	}
	if err := s.AddSystem("", func(*Frame) error { return nil }, Params{}); !errors.Is(err, ErrInvalidSystem) {
		t.Errorf("empty id err = %v", err)
	}
}

func TestPauseSkipsFrameSystems(t *testing.T) {
	s := newScheduler(t, Options{})
	rec := &recorder{}
	must(t, s.AddSystem("logic", func(*Frame) error { rec.add("logic"); return nil }, Params{}))
	must(t, s.AddSystem("ui", func(*Frame) error { rec.add("ui"); return nil }, Params{IgnorePause: true}))
	must(t, s.Setup(context.Background()))

	must(t, s.SetPaused(true))
	if !s.IsPaused() {
		t.Fatal("not paused")
	}
	frames(t, s, 5)
	if n := rec.count("logic"); n != 0 {
		t.Errorf("logic ran %d times while paused", n)
	}
	if n := rec.count("ui"); n != 5 {
		t.Errorf("ui ran %d times, want 5", n)
	}

	must(t, s.SetPaused(false))
	frames(t, s, 2)
	if rec.count("logic") != 2 || rec.count("ui") != 7 {
		t.Errorf("after resume calls = %v", rec.get())
	}
}

func TestShutdownRunsTeardownsInReverse(t *testing.T) {
	s := newScheduler(t, Options{})
	rec := &recorder{}
	for _, id := range []string{"first", "second", "third"} {
		must(t, s.AddStartupSystem(id, func(*Frame) (Teardown, error) {
			rec.add("start " + id)
			return func() error {
				if id == "first" {
					rec.add("stop")
				} else {
					rec.add("stop " + id)
				}
				return nil
			}, nil
		}, StartupParams{IgnorePause: true}))
	}
	must(t, s.AddStartupSystem("no-teardown", func(*Frame) (Teardown, error) { return nil, nil }, StartupParams{}))
	must(t, s.Setup(context.Background()))
	frames(t, s, 1)
	must(t, s.Shutdown(context.Background()))

	want := []string{"start first", "start second", "start third", "stop third", "stop second", "stop"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestFailingTeardownDoesNotStopOthers(t *testing.T) {
	s := newScheduler(t, Options{})
	rec := &recorder{}
	must(t, s.AddStartupSystem("a", func(*Frame) (Teardown, error) {
		return func() error { rec.add("a"); return nil }, nil
	}, StartupParams{}))
	must(t, s.AddStartupSystem("b", func(*Frame) (Teardown, error) {
		return func() error { panic("teardown exploded") }, nil
	}, StartupParams{}))
	must(t, s.AddStartupSystem("c", func(*Frame) (Teardown, error) {
		return func() error { return errors.New("teardown failed") }, nil
	}, StartupParams{}))
	must(t, s.Setup(context.Background()))

	err := s.Shutdown(context.Background())
	if err == nil {
		t.Fatal("Shutdown returned nil with failing teardowns")
	}
	var sf *ecs.SystemFailure
	if !errors.As(err, &sf) {
		t.Errorf("err = %v, want SystemFailure", err)
	}
	if rec.count("a") != 1 {
		t.Error("teardown a did not run")
	}
}

func TestFailingSystemDoesNotHaltFrame(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := NewScheduler(ecs.NewWorld(nil, nil), nil, zap.New(core), Options{})
	rec := &recorder{}
	var failures []string
	s.OnFailure.Subscribe(func(f *ecs.SystemFailure) { failures = append(failures, f.Source) })

	must(t, s.AddStartupSystem("bad-start", func(*Frame) (Teardown, error) {
		return nil, errors.New("no config")
	}, StartupParams{}))
	must(t, s.AddStartupSystem("good-start", func(*Frame) (Teardown, error) {
		rec.add("good-start")
		return nil, nil
	}, StartupParams{}))
	must(t, s.AddSystem("panics", func(*Frame) error { panic("boom") }, Params{}))
	must(t, s.AddSystem("errors", func(*Frame) error { return errors.New("nope") }, Params{}))
	must(t, s.AddSystem("works", func(*Frame) error { rec.add("works"); return nil }, Params{}))

	must(t, s.Setup(context.Background()))
	frames(t, s, 2)

	if rec.count("good-start") != 1 || rec.count("works") != 2 {
		t.Errorf("calls = %v", rec.get())
	}
	want := []string{"bad-start", "panics", "errors", "panics", "errors"}
	if !reflect.DeepEqual(failures, want) {
		t.Errorf("failures = %v, want %v", failures, want)
	}
	if s.Failures() != 5 {
		t.Errorf("Failures = %d", s.Failures())
	}
	entries := logs.FilterMessage("system failed").FilterField(zap.String("system", "panics")).All()
	if len(entries) != 2 {
		t.Errorf("logged %d failures for panics, want 2", len(entries))
	}
}

func TestPoolsRunInAscendingOrder(t *testing.T) {
	s := newScheduler(t, Options{})
	rec := &recorder{}
	add := func(id string, p Pool) {
		must(t, s.AddSystem(id, func(*Frame) error { rec.add(id); return nil }, Params{Pool: p}))
	}
	add("cleanup", PoolCleanup)
	add("update-1", PoolUpdate)
	add("input", PoolInput)
	add("update-2", PoolUpdate)
	add("persist", PoolPersist)
	must(t, s.Setup(context.Background()))
	frames(t, s, 1)

	want := []string{"input", "update-1", "update-2", "persist", "cleanup"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if got := s.Pools(); !reflect.DeepEqual(got, []Pool{PoolInput, PoolUpdate, PoolPersist, PoolCleanup}) {
		t.Errorf("Pools = %v", got)
	}
}

func TestDisablePoolAndRunPool(t *testing.T) {
	s := newScheduler(t, Options{})
	rec := &recorder{}
	must(t, s.AddSystem("input", func(*Frame) error { rec.add("input"); return nil }, Params{Pool: PoolInput}))
	must(t, s.AddSystem("logic", func(*Frame) error { rec.add("logic"); return nil }, Params{}))
	must(t, s.Setup(context.Background()))

	s.DisablePool(PoolUpdate)
	if s.PoolEnabled(PoolUpdate) {
		t.Error("pool still enabled")
	}
	frames(t, s, 1)
	must(t, s.RunPool(context.Background(), PoolInput, time.Millisecond))
	s.EnablePool(PoolUpdate)
	frames(t, s, 1)

	want := []string{"input", "input", "input", "logic"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestParallelPoolsKeepInPoolOrder(t *testing.T) {
	s := newScheduler(t, Options{Parallel: true, Workers: 4})
	recs := map[Pool]*recorder{PoolInput: {}, PoolUpdate: {}, PoolOutput: {}}
	for p, rec := range recs {
		for i := 0; i < 5; i++ {
			name := strconv.Itoa(i)
			must(t, s.AddSystem(p.String()+"-"+name, func(*Frame) error {
				rec.add(name)
				return nil
			}, Params{Pool: p}))
		}
	}
	must(t, s.Setup(context.Background()))
	frames(t, s, 3)

	want := []string{"0", "1", "2", "3", "4", "0", "1", "2", "3", "4", "0", "1", "2", "3", "4"}
	for p, rec := range recs {
		if got := rec.get(); !reflect.DeepEqual(got, want) {
			t.Errorf("pool %s order = %v", p, got)
		}
	}
}

func TestParallelPoolsOverlap(t *testing.T) {
	s := newScheduler(t, Options{Parallel: true, Workers: 2})
	a, b := make(chan struct{}), make(chan struct{})
	meet := func(mine, theirs chan struct{}) FrameFunc {
		return func(*Frame) error {
			close(mine)
			select {
			case <-theirs:
				return nil
			case <-time.After(5 * time.Second):
				return errors.New("pools did not overlap")
			}
		}
	}
	must(t, s.AddSystem("a", meet(a, b), Params{Pool: PoolInput}))
	must(t, s.AddSystem("b", meet(b, a), Params{Pool: PoolOutput}))
	must(t, s.Setup(context.Background()))
	frames(t, s, 1)
	if s.Failures() != 0 {
		t.Errorf("failures = %d", s.Failures())
	}
}

func TestMainThreadSystemsRunOnCaller(t *testing.T) {
	s := newScheduler(t, Options{Parallel: true, Workers: 4})
	caller := goid()
	var mu sync.Mutex
	var pinned, other []uint64
	for _, p := range []Pool{PoolInput, PoolUpdate, PoolOutput, PoolCleanup} {
		must(t, s.AddSystem("pinned-"+p.String(), func(*Frame) error {
			mu.Lock()
			pinned = append(pinned, goid())
			mu.Unlock()
			return nil
		}, Params{Pool: p, MainThread: true}))
		must(t, s.AddSystem("free-"+p.String(), func(*Frame) error {
			mu.Lock()
			other = append(other, goid())
			mu.Unlock()
			return nil
		}, Params{Pool: p}))
	}
	must(t, s.Setup(context.Background()))
	frames(t, s, 3)

	if len(pinned) != 12 || len(other) != 12 {
		t.Fatalf("pinned=%d other=%d", len(pinned), len(other))
	}
	for _, id := range pinned {
		if id != caller {
			t.Fatalf("main-thread system ran on goroutine %d, caller is %d", id, caller)
		}
	}
}

func TestPauseAwareStartupSystems(t *testing.T) {
	s := newScheduler(t, Options{StartPaused: true})
	rec := &recorder{}
	must(t, s.AddStartupSystem("always", func(*Frame) (Teardown, error) {
		rec.add("always up")
		return func() error { rec.add("always down"); return nil }, nil
	}, StartupParams{IgnorePause: true}))
	must(t, s.AddStartupSystem("level", func(*Frame) (Teardown, error) {
		rec.add("level up")
		return func() error { rec.add("level down"); return nil }, nil
	}, StartupParams{}))

	must(t, s.Setup(context.Background()))
	must(t, s.SetPaused(false))
	must(t, s.SetPaused(true))
	must(t, s.SetPaused(false))
	must(t, s.Shutdown(context.Background()))

	want := []string{"always up", "level up", "level down", "level up", "level down", "always down"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestStartupAddedWhileRunning(t *testing.T) {
	s := newScheduler(t, Options{})
	must(t, s.Setup(context.Background()))
	ran := false
	must(t, s.AddStartupSystem("late", func(f *Frame) (Teardown, error) {
		ran = f.World != nil
		return nil, nil
	}, StartupParams{}))
	if !ran {
		t.Error("startup system added while running did not run")
	}
}

func TestUnloadOrigin(t *testing.T) {
	s := newScheduler(t, Options{})
	rec := &recorder{}
	must(t, s.AddStartupSystem("script-init", func(*Frame) (Teardown, error) {
		return func() error { rec.add("script teardown"); return nil }, nil
	}, StartupParams{Origin: "script.lua"}))
	must(t, s.AddSystem("script-tick", func(*Frame) error { rec.add("script"); return nil }, Params{Origin: "script.lua"}))
	must(t, s.AddSystem("core-tick", func(*Frame) error { rec.add("core"); return nil }, Params{}))
	must(t, s.Setup(context.Background()))
	frames(t, s, 1)

	must(t, s.UnloadOrigin("script.lua"))
	frames(t, s, 1)
	must(t, s.Shutdown(context.Background()))

	want := []string{"script", "core", "script teardown", "core"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestPlayerMovesAfterOneFrame(t *testing.T) {
	reg := ecs.NewRegistry()
	must(t, reg.RegisterRecord("Position", ecs.Fields{"x": 0.0, "y": 0.0}))
	must(t, reg.RegisterRecord("Velocity", ecs.Fields{"dx": 0.0, "dy": 0.0}))
	w := ecs.NewWorld(reg, nil)
	pos, _ := reg.Instantiate("Position", ecs.Fields{"x": 0.0, "y": 0.0})
	vel, _ := reg.Instantiate("Velocity", ecs.Fields{"dx": 1.0, "dy": 0.0})
	id, err := w.Create("player", true, pos, vel)
	must(t, err)

	s := NewScheduler(w, nil, nil, Options{})
	q := w.Query().Named("movement").With("Position").With("Velocity").MustBuild()
	must(t, s.AddSystem("movement", func(f *Frame) error {
		return q.ForEach(func(r ecs.Row) error {
			p, _ := ecs.As[*ecs.Record](r, 0)
			v, _ := ecs.As[*ecs.Record](r, 1)
			if err := p.Set("x", p.Float("x")+v.Float("dx")); err != nil {
				return err
			}
			return p.Set("y", p.Float("y")+v.Float("dy"))
		})
	}, Params{}))
	must(t, s.Setup(context.Background()))
	frames(t, s, 1)

	ref, _ := w.Entity(id)
	got := ref.ComponentsByType("Position")[0].Fields()
	if got["x"] != 1.0 || got["y"] != 0.0 {
		t.Errorf("position = %v, want x=1 y=0", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	s := newScheduler(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	must(t, s.AddSystem("counter", func(*Frame) error {
		count++
		if count == 3 {
			cancel()
		}
		return nil
	}, Params{}))
	must(t, s.Setup(context.Background()))
	if err := s.Run(ctx, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if count < 3 {
		t.Errorf("count = %d", count)
	}
	if s.FrameNumber() < 3 {
		t.Errorf("FrameNumber = %d", s.FrameNumber())
	}
}

type countingSystem struct{ n int }

func (c *countingSystem) Identifier() string  { return "counting" }
func (c *countingSystem) Pool() Pool          { return PoolCleanup }
func (c *countingSystem) Update(*Frame) error { c.n++; return nil }

func TestRegisterSystemInterface(t *testing.T) {
	s := newScheduler(t, Options{})
	c := &countingSystem{}
	must(t, s.Register(c))
	must(t, s.Setup(context.Background()))
	frames(t, s, 4)
	if c.n != 4 {
		t.Errorf("n = %d", c.n)
	}
	if got := s.Pools(); len(got) != 1 || got[0] != PoolCleanup {
		t.Errorf("Pools = %v", got)
	}
}
