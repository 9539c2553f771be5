package scripting

import (
	"fmt"
	"math"
	"sort"

	"github.com/l1jgo/engine/internal/core/ecs"
	lua "github.com/yuin/gopher-lua"
)

// fromLua converts a Lua value into the component value model. Lua has one
// number type: integral numbers become int64, the rest float64. A table with
// only the keys 1..n becomes []any, any other table map[string]any; the
// empty table is an empty map.
func fromLua(v lua.LValue) (any, error) {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(x), nil
	case *lua.LTable:
		return tableValue(x)
	default:
		return nil, fmt.Errorf("%w: lua %s value", ecs.ErrInvalidComponent, v.Type())
	}
}

func tableValue(t *lua.LTable) (any, error) {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			v, err := fromLua(t.RawGetInt(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i-1] = v
		}
		return out, nil
	}
	out := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		ks, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("%w: table key %s is not a string", ecs.ErrInvalidComponent, k.String())
			return
		}
		var cv any
		if cv, err = fromLua(v); err != nil {
			err = fmt.Errorf("%s: %w", string(ks), err)
			return
		}
		out[string(ks)] = cv
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// fieldsFromLua reads a table of component fields. nil yields nil fields.
func fieldsFromLua(v lua.LValue) (ecs.Fields, error) {
	if v == lua.LNil {
		return nil, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: fields must be a table, got %s", ecs.ErrInvalidComponent, v.Type())
	}
	out := ecs.Fields{}
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		ks, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("%w: field name %s is not a string", ecs.ErrInvalidComponent, k.String())
			return
		}
		var cv any
		if cv, err = fromLua(v); err != nil {
			err = fmt.Errorf("%s: %w", string(ks), err)
			return
		}
		out[string(ks)] = cv
	})
	return out, err
}

// toLua converts a value-model value into a fresh Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, x[k]))
		}
		return t
	case ecs.Fields:
		return toLua(L, map[string]any(x))
	default:
		norm, err := ecs.NormalizeValue(v)
		if err != nil {
			return lua.LString(fmt.Sprint(v))
		}
		return toLua(L, norm)
	}
}
