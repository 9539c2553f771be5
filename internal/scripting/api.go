package scripting

import (
	"fmt"
	"sort"

	"github.com/l1jgo/engine/internal/core/ecs"
	"github.com/l1jgo/engine/internal/core/system"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const (
	builderType     = "ecs.builder"
	queryType       = "ecs.query"
	entityType      = "ecs.entity"
	componentType   = "ecs.component"
	observationType = "ecs.observation"
)

var pools = map[string]system.Pool{}

func init() {
	for _, p := range []system.Pool{
		system.PoolInput, system.PoolPreUpdate, system.PoolUpdate, system.PoolPostUpdate,
		system.PoolOutput, system.PoolPersist, system.PoolCleanup,
	} {
		pools[p.String()] = p
	}
}

// watcher is a Lua on_created observer.
type watcher struct {
	obs *ecs.Observation
}

// openECS installs the global `ecs` table.
func (e *Engine) openECS() {
	L := e.vm
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"component": e.luaComponent,
		"extend":    e.luaExtend,
		"query":     e.luaQuery,
		"system":    e.luaSystem,
		"startup":   e.luaStartup,
		"spawn":     e.luaSpawn,
		"entity":    e.luaEntity,
		"destroy":   e.luaDestroy,
		"type_of":   e.luaTypeOf,
		"fields":    e.luaFields,
		"resource":  e.luaResource,
		"paused":    e.luaPaused,
		"log":       e.luaLog,
	})
	poolTable := L.NewTable()
	for name, p := range pools {
		poolTable.RawSetString(name, lua.LNumber(p))
	}
	L.SetField(mod, "pools", poolTable)
	L.SetGlobal("ecs", mod)

	e.methods(builderType, map[string]lua.LGFunction{
		"named":         e.builderNamed,
		"with":          e.builderStep((*ecs.QueryBuilder).With),
		"with_optional": e.builderStep((*ecs.QueryBuilder).WithOptional),
		"without":       e.builderStep((*ecs.QueryBuilder).Without),
		"with_entity":   e.builderIdentity((*ecs.QueryBuilder).WithEntity),
		"with_id":       e.builderIdentity((*ecs.QueryBuilder).WithID),
		"with_name":     e.builderIdentity((*ecs.QueryBuilder).WithName),
		"with_enabled":  e.builderIdentity((*ecs.QueryBuilder).WithEnabled),
		"build":         e.builderBuild,
	})
	e.methods(queryType, map[string]lua.LGFunction{
		"each":       e.queryEach,
		"ids":        e.queryIDs,
		"len":        e.queryLen,
		"matches":    e.queryMatches,
		"on_created": e.queryOnCreated,
	})
	e.methods(entityType, map[string]lua.LGFunction{
		"id":               e.entityID,
		"name":             e.entityName,
		"set_name":         e.entitySetName,
		"enabled":          e.entityEnabled,
		"set_enabled":      e.entitySetEnabled,
		"alive":            e.entityAlive,
		"get":              e.entityGet,
		"components":       e.entityComponents,
		"add":              e.entityAdd,
		"remove_component": e.entityRemoveComponent,
		"remove":           e.entityRemove,
		"destroy":          e.entityDestroy,
	})
	e.methods(observationType, map[string]lua.LGFunction{
		"dispose": e.observationDispose,
		"tracked": e.observationTracked,
	})

	cmt := L.NewTypeMetatable(componentType)
	L.SetField(cmt, "__index", L.NewFunction(e.componentIndex))
	L.SetField(cmt, "__newindex", L.NewFunction(e.componentNewIndex))
	L.SetField(cmt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		c := check[ecs.Component](L, 1, "component")
		L.Push(lua.LString(c.TypeIdentifier()))
		return 1
	}))
}

func (e *Engine) methods(typ string, fns map[string]lua.LGFunction) {
	L := e.vm
	mt := L.NewTypeMetatable(typ)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), fns))
}

func wrap(L *lua.LState, typ string, v any) lua.LValue {
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(typ))
	return ud
}

func check[T any](L *lua.LState, n int, what string) T {
	ud := L.CheckUserData(n)
	v, ok := ud.Value.(T)
	if !ok {
		L.ArgError(n, what+" expected")
	}
	return v
}

func raise(L *lua.LState, err error) {
	L.RaiseError("%s", err.Error())
}

func (e *Engine) world() *ecs.World { return e.sched.World() }

// --- ecs.* ---

// ecs.component(name [, defaults])
func (e *Engine) luaComponent(L *lua.LState) int {
	name := L.CheckString(1)
	defaults, err := fieldsFromLua(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
	}
	if err := e.world().Registry().RegisterRecord(name, defaults); err != nil {
		raise(L, err)
	}
	return 0
}

// ecs.extend(base, ext)
func (e *Engine) luaExtend(L *lua.LState) int {
	if err := e.world().Registry().AddExtension(L.CheckString(1), L.CheckString(2)); err != nil {
		raise(L, err)
	}
	return 0
}

func (e *Engine) luaQuery(L *lua.LState) int {
	L.Push(wrap(L, builderType, e.world().Query()))
	return 1
}

// ecs.system(id, fn [, {pool=, ignore_pause=}])
func (e *Engine) luaSystem(L *lua.LState) int {
	id := L.CheckString(1)
	fn := L.CheckFunction(2)
	opts := L.OptTable(3, L.NewTable())
	pool, err := poolOption(opts.RawGetString("pool"))
	if err != nil {
		L.ArgError(3, err.Error())
	}
	params := system.Params{
		Pool:        pool,
		IgnorePause: lua.LVAsBool(opts.RawGetString("ignore_pause")),
		MainThread:  true,
		Origin:      e.loadingOrigin(L, "ecs.system"),
	}
	e.pending = append(e.pending, func() {
		err := e.sched.AddSystem(id, func(f *system.Frame) error {
			_, err := e.callWith(fn, func() []lua.LValue { return []lua.LValue{e.frameTable(f)} })
			return err
		}, params)
		if err != nil {
			e.log.Error("register lua system failed", zap.String("system", id), zap.Error(err))
		}
	})
	return 0
}

// ecs.startup(id, fn [, {ignore_pause=}]); fn may return a teardown function.
func (e *Engine) luaStartup(L *lua.LState) int {
	id := L.CheckString(1)
	fn := L.CheckFunction(2)
	opts := L.OptTable(3, L.NewTable())
	params := system.StartupParams{
		IgnorePause: lua.LVAsBool(opts.RawGetString("ignore_pause")),
		Origin:      e.loadingOrigin(L, "ecs.startup"),
	}
	e.pending = append(e.pending, func() {
		err := e.sched.AddStartupSystem(id, func(f *system.Frame) (system.Teardown, error) {
			ret, err := e.callWith(fn, func() []lua.LValue { return []lua.LValue{e.frameTable(f)} })
			if err != nil {
				return nil, err
			}
			switch td := ret.(type) {
			case *lua.LNilType:
				return nil, nil
			case *lua.LFunction:
				return func() error {
					_, err := e.callWith(td, nil)
					return err
				}, nil
			default:
				return nil, fmt.Errorf("startup %s returned %s, want a teardown function", id, ret.Type())
			}
		}, params)
		if err != nil {
			e.log.Error("register lua startup system failed", zap.String("system", id), zap.Error(err))
		}
	})
	return 0
}

func poolOption(v lua.LValue) (system.Pool, error) {
	switch x := v.(type) {
	case *lua.LNilType:
		return system.PoolUpdate, nil
	case lua.LNumber:
		return system.Pool(int(x)), nil
	case lua.LString:
		if p, ok := pools[string(x)]; ok {
			return p, nil
		}
		return 0, fmt.Errorf("unknown pool %q", string(x))
	}
	return 0, fmt.Errorf("pool must be a name or a number, got %s", v.Type())
}

func (e *Engine) loadingOrigin(L *lua.LState, fn string) string {
	if e.origin == "" {
		L.RaiseError("%s can only be called while a script loads", fn)
	}
	return e.origin
}

// ecs.spawn(name, {Type = {fields}, ...} [, enabled])
func (e *Engine) luaSpawn(L *lua.LState) int {
	name := L.CheckString(1)
	comps, err := e.componentsFromLua(L.OptTable(2, L.NewTable()))
	if err != nil {
		L.ArgError(2, err.Error())
	}
	enabled := true
	if L.GetTop() >= 3 {
		enabled = L.ToBool(3)
	}
	id, err := e.world().Create(name, enabled, comps...)
	if err != nil {
		raise(L, err)
	}
	ref, _ := e.world().Entity(id)
	L.Push(wrap(L, entityType, ref))
	return 1
}

// componentsFromLua instantiates a table of type => fields in type order.
func (e *Engine) componentsFromLua(t *lua.LTable) ([]ecs.Component, error) {
	var types []string
	t.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			types = append(types, string(s))
		}
	})
	sort.Strings(types)
	reg := e.world().Registry()
	out := make([]ecs.Component, 0, len(types))
	for _, typ := range types {
		fields, err := fieldsFromLua(t.RawGetString(typ))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", typ, err)
		}
		c, err := reg.Instantiate(typ, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ecs.entity(id) returns the entity or nil.
func (e *Engine) luaEntity(L *lua.LState) int {
	ref, ok := e.world().Entity(ecs.EntityID(L.CheckInt64(1)))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(wrap(L, entityType, ref))
	return 1
}

// ecs.destroy(id) queues the entity for the cleanup pool.
func (e *Engine) luaDestroy(L *lua.LState) int {
	e.world().MarkForDestruction(ecs.EntityID(L.CheckInt64(1)))
	return 0
}

func (e *Engine) luaTypeOf(L *lua.LState) int {
	L.Push(lua.LString(check[ecs.Component](L, 1, "component").TypeIdentifier()))
	return 1
}

// ecs.fields(c) returns a copy of all fields of a component.
func (e *Engine) luaFields(L *lua.LState) int {
	c := check[ecs.Component](L, 1, "component")
	L.Push(toLua(L, c.Fields()))
	return 1
}

// ecs.resource(name) returns a plain-valued resource, or nil.
func (e *Engine) luaResource(L *lua.LState) int {
	v, ok := e.sched.Resources().Lookup(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	if _, err := ecs.NormalizeValue(v); err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(L, v))
	return 1
}

func (e *Engine) luaPaused(L *lua.LState) int {
	L.Push(lua.LBool(e.sched.IsPaused()))
	return 1
}

func (e *Engine) luaLog(L *lua.LState) int {
	e.log.Info(L.CheckString(1), zap.String("source", "lua"))
	return 0
}

// --- query builder ---

func (e *Engine) builderNamed(L *lua.LState) int {
	b := check[*ecs.QueryBuilder](L, 1, "query builder")
	L.Push(wrap(L, builderType, b.Named(L.CheckString(2))))
	return 1
}

// builderStep adapts a type filter; it accepts several types at once.
func (e *Engine) builderStep(step func(*ecs.QueryBuilder, string) *ecs.QueryBuilder) lua.LGFunction {
	return func(L *lua.LState) int {
		b := check[*ecs.QueryBuilder](L, 1, "query builder")
		for i := 2; i <= L.GetTop(); i++ {
			b = step(b, L.CheckString(i))
		}
		L.Push(wrap(L, builderType, b))
		return 1
	}
}

func (e *Engine) builderIdentity(step func(*ecs.QueryBuilder) *ecs.QueryBuilder) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(wrap(L, builderType, step(check[*ecs.QueryBuilder](L, 1, "query builder"))))
		return 1
	}
}

func (e *Engine) builderBuild(L *lua.LState) int {
	q, err := check[*ecs.QueryBuilder](L, 1, "query builder").Build()
	if err != nil {
		raise(L, err)
	}
	L.Push(wrap(L, queryType, q))
	return 1
}

// --- query ---

// q:each(fn) calls fn with the row projections spread as arguments.
func (e *Engine) queryEach(L *lua.LState) int {
	q := check[*ecs.Query](L, 1, "query")
	fn := L.CheckFunction(2)
	err := q.ForEach(func(row ecs.Row) error {
		_, err := e.invoke(fn, e.rowArgs(row)...)
		return err
	})
	if err != nil {
		raise(L, err)
	}
	return 0
}

func (e *Engine) queryIDs(L *lua.LState) int {
	q := check[*ecs.Query](L, 1, "query")
	t := L.NewTable()
	for _, id := range q.IDs() {
		t.Append(lua.LNumber(id))
	}
	L.Push(t)
	return 1
}

func (e *Engine) queryLen(L *lua.LState) int {
	L.Push(lua.LNumber(check[*ecs.Query](L, 1, "query").Len()))
	return 1
}

func (e *Engine) queryMatches(L *lua.LState) int {
	q := check[*ecs.Query](L, 1, "query")
	L.Push(lua.LBool(q.Matches(ecs.EntityID(L.CheckInt64(2)))))
	return 1
}

// q:on_created(fn) calls fn for every entity that starts matching. If fn
// returns a function it is called when that entity stops matching.
func (e *Engine) queryOnCreated(L *lua.LState) int {
	q := check[*ecs.Query](L, 1, "query")
	fn := L.CheckFunction(2)
	origin := e.origin
	obs := q.OnCreated(func(row ecs.Row) func() {
		var teardown *lua.LFunction
		e.enqueue(func() {
			ret, err := e.invoke(fn, e.rowArgs(row)...)
			if err != nil {
				e.log.Warn("lua observer failed", zap.String("query", q.Name()), zap.Error(err))
				return
			}
			teardown, _ = ret.(*lua.LFunction)
		})
		return func() {
			e.enqueue(func() {
				if teardown == nil {
					return
				}
				if _, err := e.invoke(teardown); err != nil {
					e.log.Warn("lua observer teardown failed", zap.String("query", q.Name()), zap.Error(err))
				}
			})
		}
	})
	e.watchers[origin] = append(e.watchers[origin], &watcher{obs: obs})
	L.Push(wrap(L, observationType, obs))
	return 1
}

func (e *Engine) observationDispose(L *lua.LState) int {
	check[*ecs.Observation](L, 1, "observation").Dispose()
	return 0
}

func (e *Engine) observationTracked(L *lua.LState) int {
	L.Push(lua.LNumber(check[*ecs.Observation](L, 1, "observation").Tracked()))
	return 1
}

func (e *Engine) rowArgs(row ecs.Row) []lua.LValue {
	L := e.vm
	args := make([]lua.LValue, len(row))
	for i, v := range row {
		switch x := v.(type) {
		case ecs.EntityReference:
			args[i] = wrap(L, entityType, x)
		case ecs.EntityID:
			args[i] = lua.LNumber(x)
		case string:
			args[i] = lua.LString(x)
		case bool:
			args[i] = lua.LBool(x)
		case ecs.Component:
			args[i] = wrap(L, componentType, x)
		default:
			args[i] = lua.LNil
		}
	}
	return args
}

// --- entity ---

func (e *Engine) entityID(L *lua.LState) int {
	L.Push(lua.LNumber(check[ecs.EntityReference](L, 1, "entity").ID()))
	return 1
}

func (e *Engine) entityName(L *lua.LState) int {
	L.Push(lua.LString(check[ecs.EntityReference](L, 1, "entity").Name()))
	return 1
}

func (e *Engine) entitySetName(L *lua.LState) int {
	if err := check[ecs.EntityReference](L, 1, "entity").SetName(L.CheckString(2)); err != nil {
		raise(L, err)
	}
	return 0
}

func (e *Engine) entityEnabled(L *lua.LState) int {
	L.Push(lua.LBool(check[ecs.EntityReference](L, 1, "entity").Enabled()))
	return 1
}

func (e *Engine) entitySetEnabled(L *lua.LState) int {
	if err := check[ecs.EntityReference](L, 1, "entity").SetEnabled(L.ToBool(2)); err != nil {
		raise(L, err)
	}
	return 0
}

func (e *Engine) entityAlive(L *lua.LState) int {
	L.Push(lua.LBool(check[ecs.EntityReference](L, 1, "entity").Alive()))
	return 1
}

// ent:get(type) returns the first component of type, or nil.
func (e *Engine) entityGet(L *lua.LState) int {
	comps := check[ecs.EntityReference](L, 1, "entity").ComponentsByType(L.CheckString(2))
	if len(comps) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(wrap(L, componentType, comps[0]))
	return 1
}

func (e *Engine) entityComponents(L *lua.LState) int {
	t := L.NewTable()
	for _, c := range check[ecs.EntityReference](L, 1, "entity").Components() {
		t.Append(wrap(L, componentType, c))
	}
	L.Push(t)
	return 1
}

// ent:add(type [, fields]) returns the new component.
func (e *Engine) entityAdd(L *lua.LState) int {
	ref := check[ecs.EntityReference](L, 1, "entity")
	fields, err := fieldsFromLua(L.Get(3))
	if err != nil {
		L.ArgError(3, err.Error())
	}
	c, err := e.world().Registry().Instantiate(L.CheckString(2), fields)
	if err != nil {
		raise(L, err)
	}
	if err := ref.AddComponents(c); err != nil {
		raise(L, err)
	}
	L.Push(wrap(L, componentType, c))
	return 1
}

// ent:remove_component(i) removes the i-th component, counting from 1.
func (e *Engine) entityRemoveComponent(L *lua.LState) int {
	ref := check[ecs.EntityReference](L, 1, "entity")
	c, err := ref.RemoveComponent(L.CheckInt(2) - 1)
	if err != nil {
		raise(L, err)
	}
	L.Push(wrap(L, componentType, c))
	return 1
}

func (e *Engine) entityRemove(L *lua.LState) int {
	if _, err := e.world().Remove(check[ecs.EntityReference](L, 1, "entity").ID()); err != nil {
		raise(L, err)
	}
	return 0
}

func (e *Engine) entityDestroy(L *lua.LState) int {
	e.world().MarkForDestruction(check[ecs.EntityReference](L, 1, "entity").ID())
	return 0
}

// --- component ---

// c.field reads a field. Nested tables are copies: assign the whole value
// back to change them.
func (e *Engine) componentIndex(L *lua.LState) int {
	c := check[ecs.Component](L, 1, "component")
	key := L.CheckString(2)
	if r, ok := c.(*ecs.Record); ok {
		v, _ := r.Get(key)
		L.Push(toLua(L, v))
		return 1
	}
	L.Push(toLua(L, c.Fields()[key]))
	return 1
}

func (e *Engine) componentNewIndex(L *lua.LState) int {
	c := check[ecs.Component](L, 1, "component")
	key := L.CheckString(2)
	v, err := fromLua(L.Get(3))
	if err != nil {
		L.ArgError(3, err.Error())
	}
	if r, ok := c.(*ecs.Record); ok {
		if err := r.Set(key, v); err != nil {
			raise(L, err)
		}
		return 0
	}
	f := c.Fields()
	f[key] = v
	if err := c.SetFields(f); err != nil {
		raise(L, err)
	}
	return 0
}

// frameTable builds the argument passed to Lua systems. The caller holds mu.
func (e *Engine) frameTable(f *system.Frame) *lua.LTable {
	t := e.vm.CreateTable(0, 2)
	t.RawSetString("number", lua.LNumber(f.Number))
	t.RawSetString("delta", lua.LNumber(f.Delta.Seconds()))
	return t
}
