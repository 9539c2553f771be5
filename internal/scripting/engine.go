package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/l1jgo/engine/internal/core/system"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM. Scripts use the global `ecs` table to
// declare component types, queries and systems on the scheduler. Every Lua
// system is a main-thread system; mu serializes all entries into the VM.
//
// Observer callbacks declared with query:on_created are queued and run at the
// next Flush, which happens after every Lua entry and once per frame in the
// input pool, so a store mutation on any goroutine never re-enters the VM.
type Engine struct {
	mu    sync.Mutex
	vm    *lua.LState
	sched *system.Scheduler
	log   *zap.Logger

	origin   string   // script being loaded
	pending  []func() // registrations collected while loading
	origins  []string // loaded origins in load order
	files    map[string]string
	queueMu  sync.Mutex
	queue    []func()
	watchers map[string][]*watcher
}

// Origin prefix for scheduler registrations made by scripts.
const originPrefix = "lua:"

// NewEngine creates a Lua VM bound to sched. It registers the per-frame
// observer flush as a main-thread input system.
func NewEngine(sched *system.Scheduler, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{
		vm:       vm,
		sched:    sched,
		log:      log,
		files:    make(map[string]string),
		watchers: make(map[string][]*watcher),
	}
	e.openECS()

	err := sched.AddSystem("scripting.flush", func(*system.Frame) error {
		e.Flush()
		return nil
	}, system.Params{Pool: system.PoolInput, IgnorePause: true, MainThread: true})
	if err != nil {
		vm.Close()
		return nil, err
	}
	return e, nil
}

// LoadDir loads every .lua file under dir, walking subdirectories, in lexical
// path order. A missing dir is not an error.
func (e *Engine) LoadDir(dir string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".lua" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan scripts %s: %w", dir, err)
	}
	sort.Strings(files)
	for _, path := range files {
		if err := e.LoadFile(path); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile runs one script. Its systems are tagged with the file path as
// origin so Reload can replace them.
func (e *Engine) LoadFile(path string) error {
	origin := originPrefix + filepath.ToSlash(filepath.Clean(path))
	err := e.load(origin, func() error { return e.vm.DoFile(path) })
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	e.mu.Lock()
	e.files[origin] = path
	e.mu.Unlock()
	e.log.Debug("loaded lua script", zap.String("file", path))
	return nil
}

// LoadString runs src under the given origin name.
func (e *Engine) LoadString(name, src string) error {
	if err := e.load(originPrefix+name, func() error { return e.vm.DoString(src) }); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

// Reload unloads everything a script file registered, running its retained
// teardowns and disposing its observers, then runs the file again.
func (e *Engine) Reload(path string) error {
	origin := originPrefix + filepath.ToSlash(filepath.Clean(path))
	if err := e.Unload(origin); err != nil {
		e.log.Warn("unload script failed", zap.String("origin", origin), zap.Error(err))
	}
	return e.LoadFile(path)
}

// ReloadAll reloads every script file in load order.
func (e *Engine) ReloadAll() error {
	e.mu.Lock()
	var paths []string
	for _, origin := range e.origins {
		if path, ok := e.files[origin]; ok {
			paths = append(paths, path)
		}
	}
	e.mu.Unlock()
	for _, path := range paths {
		if err := e.Reload(path); err != nil {
			return err
		}
	}
	return nil
}

// Unload removes an origin's systems, teardowns and observers.
func (e *Engine) Unload(origin string) error {
	e.mu.Lock()
	ws := e.watchers[origin]
	delete(e.watchers, origin)
	e.origins = slices.DeleteFunc(e.origins, func(o string) bool { return o == origin })
	e.mu.Unlock()
	for _, w := range ws {
		w.obs.Dispose()
	}
	return e.sched.UnloadOrigin(origin)
}

// Origins returns the loaded script origins in load order.
func (e *Engine) Origins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.origins)
}

func (e *Engine) load(origin string, run func() error) error {
	e.mu.Lock()
	e.origin = origin
	err := run()
	pending := e.pending
	e.pending = nil
	e.origin = ""
	if err == nil && !slices.Contains(e.origins, origin) {
		e.origins = append(e.origins, origin)
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	// Registrations are applied outside the VM lock: a startup system added
	// to a running scheduler runs at once and needs the lock itself.
	for _, fn := range pending {
		fn()
	}
	e.Flush()
	return nil
}

// enqueue schedules fn to run inside the VM at the next Flush.
func (e *Engine) enqueue(fn func()) {
	e.queueMu.Lock()
	e.queue = append(e.queue, fn)
	e.queueMu.Unlock()
}

// Flush runs queued observer callbacks until the queue is empty.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drain()
}

func (e *Engine) drain() {
	for {
		e.queueMu.Lock()
		batch := e.queue
		e.queue = nil
		e.queueMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// callWith invokes fn under the VM lock with the arguments args builds and
// returns its first result. The observer queue is drained before the lock is
// released.
func (e *Engine) callWith(fn *lua.LFunction, args func() []lua.LValue) (lua.LValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var argv []lua.LValue
	if args != nil {
		argv = args()
	}
	ret, err := e.invoke(fn, argv...)
	e.drain()
	return ret, err
}

// invoke calls fn on the VM. The caller holds mu.
func (e *Engine) invoke(fn *lua.LFunction, args ...lua.LValue) (lua.LValue, error) {
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)
	return ret, nil
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}
