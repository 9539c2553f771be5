package ecs

import (
	"fmt"
	"math"
	"sort"
)

// Fields is a component's field bag. Values are restricted to the value
// model: nil, bool, int64, float64, string, []any and map[string]any.
type Fields map[string]any

// Component is a typed record attached to exactly one entity. Concrete Go types
// implement it with pointer receivers so systems mutate them in place; Fields
// and SetFields are what the snapshot codec reads and writes.
type Component interface {
	TypeIdentifier() string
	Fields() Fields
	SetFields(Fields) error
}

// Record is a Component whose fields live in a map. It backs component types
// declared at runtime (data tables, Lua scripts).
type Record struct {
	typ    string
	values Fields
}

// NewRecord builds a record of type typ holding a normalised copy of fields.
func NewRecord(typ string, fields Fields) (*Record, error) {
	r := &Record{typ: typ}
	if err := r.SetFields(fields); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) TypeIdentifier() string { return r.typ }

func (r *Record) Get(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Float returns a numeric field as float64, or 0 when absent or not a number.
func (r *Record) Float(name string) float64 {
	switch v := r.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (r *Record) Set(name string, v any) error {
	nv, err := NormalizeValue(v)
	if err != nil {
		return fmt.Errorf("record %s field %s: %w", r.typ, name, err)
	}
	if r.values == nil {
		r.values = make(Fields)
	}
	r.values[name] = nv
	return nil
}

// Names returns the field names in sorted order.
func (r *Record) Names() []string {
	names := make([]string, 0, len(r.values))
	for k := range r.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *Record) Fields() Fields {
	out, _ := NormalizeFields(r.values)
	return out
}

func (r *Record) SetFields(f Fields) error {
	nf, err := NormalizeFields(f)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.typ, err)
	}
	r.values = nf
	return nil
}

// NormalizeFields returns a deep copy of f with every value normalised.
func NormalizeFields(f Fields) (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue deep-copies v into the value model: integers become int64,
// floats become float64, slices become []any and string-keyed maps become
// map[string]any.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintValue(x)
	case float32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := NormalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ne
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, nil
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, nil
	case []int64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, nil
	case []int:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out, nil
	case Fields:
		return mapValue(x)
	case map[string]any:
		return mapValue(x)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: map key %v (%T) is not a string", ErrInvalidComponent, k, k)
			}
			m[ks] = e
		}
		return mapValue(m)
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidComponent, v)
	}
}

func mapValue(m map[string]any) (any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		ne, err := NormalizeValue(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = ne
	}
	return out, nil
}

func uintValue(x uint64) (any, error) {
	if x > math.MaxInt64 {
		return nil, fmt.Errorf("%w: unsigned value %d overflows int64", ErrInvalidComponent, x)
	}
	return int64(x), nil
}

// First returns the entity's first component of Go type T.
func First[T Component](ref EntityReference) (T, bool) {
	var zero T
	for _, c := range ref.Components() {
		if t, ok := c.(T); ok {
			return t, true
		}
	}
	return zero, false
}

// All returns every component of Go type T on the entity, in stored order.
func All[T Component](ref EntityReference) []T {
	var out []T
	for _, c := range ref.Components() {
		if t, ok := c.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
