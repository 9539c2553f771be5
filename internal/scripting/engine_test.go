package scripting

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/l1jgo/engine/internal/core/ecs"
	"github.com/l1jgo/engine/internal/core/system"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newEngine(t *testing.T, log *zap.Logger) (*Engine, *system.Scheduler) {
	t.Helper()
	sched := system.NewScheduler(ecs.NewWorld(nil, nil), nil, log, system.Options{})
	e, err := NewEngine(sched, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e, sched
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func frames(t *testing.T, s *system.Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		must(t, s.RunFrame(context.Background(), time.Second/20))
	}
}

// global reads a Lua global as a value-model value.
func global(t *testing.T, e *Engine, name string) any {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := fromLua(e.vm.GetGlobal(name))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

const movement = `
ecs.component("Position", {x = 0, y = 0})
ecs.component("Velocity", {dx = 0, dy = 0})

local moving = ecs.query():named("moving"):with("Position", "Velocity"):build()

ecs.startup("spawn", function(frame)
  ecs.spawn("mover", {Position = {x = 1, y = 1}, Velocity = {dx = 2, dy = 0.5}})
end)

ecs.system("move", function(frame)
  moving:each(function(pos, vel)
    pos.x = pos.x + vel.dx
    pos.y = pos.y + vel.dy
  end)
end)
`

func TestScriptSystemMovesEntities(t *testing.T) {
	e, sched := newEngine(t, nil)
	must(t, e.LoadString("movement", movement))
	must(t, sched.Setup(context.Background()))
	frames(t, sched, 2)

	ents := sched.World().Entities()
	if len(ents) != 1 || ents[0].Name() != "mover" {
		t.Fatalf("entities = %v", ents)
	}
	pos := ents[0].ComponentsByType("Position")[0].(*ecs.Record)
	if pos.Float("x") != 5 || pos.Float("y") != 2 {
		t.Errorf("position = %v", pos.Fields())
	}
}

func TestStartupTeardownRunsAtShutdown(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e, sched := newEngine(t, zap.New(core))
	must(t, e.LoadString("lifecycle", `
ecs.startup("hello", function()
  ecs.log("hello")
  return function() ecs.log("bye") end
end)
`))
	must(t, sched.Setup(context.Background()))
	if logs.FilterMessage("hello").Len() != 1 {
		t.Fatal("startup system did not run")
	}
	must(t, sched.Shutdown(context.Background()))
	if logs.FilterMessage("bye").Len() != 1 {
		t.Error("teardown did not run at shutdown")
	}
}

func TestPoolsAndPause(t *testing.T) {
	e, sched := newEngine(t, nil)
	must(t, e.LoadString("pools", `
order = {}
ecs.system("late", function() table.insert(order, "late") end, {pool = "cleanup"})
ecs.system("early", function() table.insert(order, "early") end, {pool = ecs.pools.input})
ecs.system("always", function() table.insert(order, "always") end, {ignore_pause = true})
`))
	must(t, sched.Setup(context.Background()))
	frames(t, sched, 1)
	must(t, sched.SetPaused(true))
	frames(t, sched, 1)

	want := []any{"early", "always", "late", "always"}
	if got := global(t, e, "order"); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestOnCreatedObservesGoMutations(t *testing.T) {
	e, sched := newEngine(t, nil)
	must(t, e.LoadString("watch", `
seen, gone = 0, 0
ecs.component("Tag")
ecs.query():with("Tag"):with_name():build():on_created(function(tag, name)
  seen = seen + 1
  last = name
  return function() gone = gone + 1 end
end)
`))
	w := sched.World()
	tag, err := w.Registry().Instantiate("Tag", nil)
	must(t, err)
	id, err := w.Create("tagged", true, tag)
	must(t, err)

	if got := global(t, e, "seen"); got != int64(0) {
		t.Fatalf("observer ran before flush: seen = %v", got)
	}
	e.Flush()
	if got := global(t, e, "seen"); got != int64(1) {
		t.Fatalf("seen = %v", got)
	}
	if got := global(t, e, "last"); got != "tagged" {
		t.Errorf("name projection = %v", got)
	}

	_, err = w.Remove(id)
	must(t, err)
	e.Flush()
	if got := global(t, e, "gone"); got != int64(1) {
		t.Errorf("gone = %v", got)
	}
}

func TestObserverDrainsAfterScriptSystem(t *testing.T) {
	e, sched := newEngine(t, nil)
	must(t, e.LoadString("spawner", `
count = 0
ecs.component("Marker")
ecs.query():with("Marker"):build():on_created(function() count = count + 1 end)
ecs.system("spawn", function() ecs.spawn("m", {Marker = {}}) end)
`))
	must(t, sched.Setup(context.Background()))
	frames(t, sched, 3)
	if got := global(t, e, "count"); got != int64(3) {
		t.Errorf("count = %v", got)
	}
}

func TestReloadReplacesSystems(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tick.lua")
	write := func(step int) {
		src := strings.ReplaceAll(`
hits = hits or 0
ecs.system("tick", function() hits = hits + STEP end)
ecs.startup("setup", function()
  return function() torn = (torn or 0) + 1 end
end)
`, "STEP", string(rune('0'+step)))
		must(t, os.WriteFile(path, []byte(src), 0o644))
	}

	e, sched := newEngine(t, nil)
	write(1)
	must(t, e.LoadFile(path))
	must(t, sched.Setup(context.Background()))
	frames(t, sched, 1)

	write(5)
	must(t, e.Reload(path))
	if got := global(t, e, "torn"); got != int64(1) {
		t.Errorf("teardown after reload: torn = %v", got)
	}
	frames(t, sched, 1)
	if got := global(t, e, "hits"); got != int64(6) {
		t.Errorf("hits = %v, want 6", got)
	}
	if got := e.Origins(); len(got) != 1 {
		t.Errorf("origins = %v", got)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	must(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`loaded = (loaded or "") .. "b"`), 0o644))
	must(t, os.WriteFile(filepath.Join(dir, "a", "x.lua"), []byte(`loaded = (loaded or "") .. "a"`), 0o644))
	must(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`error("not lua")`), 0o644))

	e, _ := newEngine(t, nil)
	must(t, e.LoadDir(dir))
	if got := global(t, e, "loaded"); got != "ab" {
		t.Errorf("load order = %v", got)
	}
	must(t, e.LoadDir(filepath.Join(dir, "missing")))
}

func TestScriptErrors(t *testing.T) {
	e, sched := newEngine(t, nil)
	for name, src := range map[string]string{
		"syntax":        `ecs.system(`,
		"unknown type":  `ecs.query():with("Ghost"):build()`,
		"bad pool":      `ecs.system("x", function() end, {pool = "nowhere"})`,
		"bad component": `ecs.component("bad name")`,
	} {
		if err := e.LoadString(name, src); err == nil {
			t.Errorf("%s: no error", name)
		}
	}

	must(t, e.LoadString("runtime", `
ran = 0
ecs.system("broken", function() error("boom") end)
ecs.system("late-register", function() ecs.system("nope", function() end) end)
ecs.system("fine", function() ran = ran + 1 end)
`))
	must(t, sched.Setup(context.Background()))
	frames(t, sched, 2)
	if got := sched.Failures(); got != 4 {
		t.Errorf("failures = %d, want 4", got)
	}
	if got := global(t, e, "ran"); got != int64(2) {
		t.Errorf("healthy system ran %v times", got)
	}
}

func TestEntityMethods(t *testing.T) {
	e, sched := newEngine(t, nil)
	must(t, e.LoadString("entities", `
ecs.component("Health", {hp = 10})
ecs.component("Shield")
ecs.extend("Health", "Shield")
local ent = ecs.spawn("hero", {Health = {hp = 7}})
ent:set_name("knight")
ent:add("Health")
hero_id = ent:id()
types = {}
for _, c in ipairs(ent:components()) do table.insert(types, ecs.type_of(c)) end
first_hp = ent:get("Health").hp
removed = ecs.type_of(ent:remove_component(2))
ent:set_enabled(false)
fields = ecs.fields(ent:get("Health"))
`))
	if got := global(t, e, "types"); !reflect.DeepEqual(got, []any{"Health", "Shield", "Health"}) {
		t.Errorf("types = %v", got)
	}
	if got := global(t, e, "first_hp"); got != int64(7) {
		t.Errorf("first hp = %v", got)
	}
	if got := global(t, e, "removed"); got != "Shield" {
		t.Errorf("removed = %v", got)
	}
	if got := global(t, e, "fields"); !reflect.DeepEqual(got, map[string]any{"hp": int64(7)}) {
		t.Errorf("fields = %v", got)
	}
	id := ecs.EntityID(global(t, e, "hero_id").(int64))
	ref, ok := sched.World().Entity(id)
	if !ok || ref.Name() != "knight" || ref.Enabled() {
		t.Fatalf("entity = %v %q enabled=%v", ok, ref.Name(), ref.Enabled())
	}

	must(t, e.LoadString("destroy", `ecs.destroy(hero_id)`))
	if n := sched.World().FlushDestroyQueue(); n != 1 {
		t.Errorf("destroyed %d", n)
	}
}

func TestValueConversion(t *testing.T) {
	e, _ := newEngine(t, nil)
	must(t, e.LoadString("values", `v = {1, 2.5, "x", {a = true, b = {}}, -3}`))
	want := []any{int64(1), 2.5, "x", map[string]any{"a": true, "b": map[string]any{}}, int64(-3)}
	got := global(t, e, "v")
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fromLua = %#v", got)
	}

	e.mu.Lock()
	back, err := fromLua(toLua(e.vm, want))
	e.mu.Unlock()
	must(t, err)
	if !reflect.DeepEqual(back, want) {
		t.Errorf("toLua round trip = %#v", back)
	}

	must(t, e.LoadString("mixed", `m = {1, 2, key = "v"}`))
	e.mu.Lock()
	_, err = fromLua(e.vm.GetGlobal("m"))
	e.mu.Unlock()
	if err == nil {
		t.Error("table with numeric and string keys accepted")
	}
}
