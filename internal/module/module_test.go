package module

import (
	"errors"
	"reflect"
	"testing"

	"github.com/l1jgo/engine/internal/core/ecs"
	"github.com/l1jgo/engine/internal/core/resource"
	"github.com/l1jgo/engine/internal/core/system"
)

func newScheduler() *system.Scheduler {
	return system.NewScheduler(ecs.NewWorld(nil, nil), nil, nil, system.Options{})
}

func TestInstallOrder(t *testing.T) {
	var calls []string
	mod := func(name string, deps ...string) Module {
		return Module{
			Name:         name,
			Dependencies: deps,
			LoadResources: func(res *resource.Container) error {
				calls = append(calls, "load "+name)
				return res.Provide(name, len(calls))
			},
			Setup: func(sched *system.Scheduler, res *resource.Container) error {
				calls = append(calls, "setup "+name)
				// every resource is loaded before the first setup
				if _, err := resource.Fetch[int](res, "physics"); err != nil {
					return err
				}
				return nil
			},
		}
	}
	sched := newScheduler()
	err := Install(sched, []Module{mod("core"), mod("physics", "core"), {Name: "marker"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"load core", "load physics", "setup core", "setup physics"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if v := resource.Require[int](sched.Resources(), "core"); v != 1 {
		t.Errorf("core resource = %d", v)
	}
}

func TestInstallRejectsBadOrder(t *testing.T) {
	tests := []struct {
		name string
		mods []Module
		want error
	}{
		{"dependency later", []Module{{Name: "a", Dependencies: []string{"b"}}, {Name: "b"}}, ErrDependency},
		{"missing dependency", []Module{{Name: "a", Dependencies: []string{"ghost"}}}, ErrDependency},
		{"duplicate", []Module{{Name: "a"}, {Name: "a"}}, ErrDuplicate},
		{"self dependency", []Module{{Name: "a", Dependencies: []string{"a"}}}, ErrDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Install(newScheduler(), tt.mods, nil); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInstallStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	var setups int
	mods := []Module{
		{Name: "a", Setup: func(*system.Scheduler, *resource.Container) error {
			setups++
			return boom
		}},
		{Name: "b", Setup: func(*system.Scheduler, *resource.Container) error {
			setups++
			return nil
		}},
	}
	if err := Install(newScheduler(), mods, nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if setups != 1 {
		t.Errorf("setups = %d", setups)
	}
}
