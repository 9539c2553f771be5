package resource

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

type clock struct{ frame int }

func TestProvideAndGet(t *testing.T) {
	c := NewContainer()
	if err := c.Provide("clock", &clock{frame: 3}); err != nil {
		t.Fatal(err)
	}
	if err := c.Provide("clock", &clock{}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate err = %v", err)
	}
	if err := c.Provide("nil", nil); err == nil {
		t.Error("nil value accepted")
	}

	got, ok := Get[*clock](c, "clock")
	if !ok || got.frame != 3 {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	if _, ok := Get[string](c, "clock"); ok {
		t.Error("Get with wrong type reported ok")
	}
	if _, ok := Get[*clock](c, "missing"); ok {
		t.Error("Get on missing name reported ok")
	}
}

func TestRequire(t *testing.T) {
	c := NewContainer()
	c.Set("name", "scene-1")
	if got := Require[string](c, "name"); got != "scene-1" {
		t.Errorf("Require = %q", got)
	}

	tests := []struct {
		name string
		key  string
		want error
	}{
		{"missing", "absent", ErrMissing},
		{"wrong type", "name", ErrType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				err, ok := r.(error)
				if !ok || !errors.Is(err, tt.want) {
					t.Errorf("panic = %v, want %v", r, tt.want)
				}
			}()
			Require[int](c, tt.key)
		})
	}
}

func TestSetReplacesAndRemove(t *testing.T) {
	c := NewContainer()
	c.Set("b", 1)
	c.Set("a", 2)
	c.Set("b", 3)
	if v, _ := Get[int](c, "b"); v != 3 {
		t.Errorf("b = %d", v)
	}
	if got := c.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Names = %v", got)
	}
	if !c.Remove("a") || c.Remove("a") {
		t.Error("Remove result wrong")
	}
	if got := c.Names(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestNilContainerLookup(t *testing.T) {
	var c *Container
	if _, ok := Get[int](c, "x"); ok {
		t.Error("nil container reported a value")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewContainer()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("counter", j)
				Get[int](c, "counter")
			}
		}()
	}
	wg.Wait()
	if _, ok := Get[int](c, "counter"); !ok {
		t.Error("counter missing")
	}
}
