// Package module installs the host's modules in the order given. Resolving
// that order from the dependency lists is the host's job; Install only checks
// that every dependency was installed before the module naming it.
package module

import (
	"errors"
	"fmt"

	"github.com/l1jgo/engine/internal/core/resource"
	"github.com/l1jgo/engine/internal/core/system"
	"go.uber.org/zap"
)

var (
	ErrDuplicate  = errors.New("duplicate module")
	ErrDependency = errors.New("module dependency not installed")
)

// Module is one unit of engine functionality. LoadResources runs first for
// every module, so each Setup sees all resources.
type Module struct {
	Name          string
	Dependencies  []string
	LoadResources func(res *resource.Container) error
	Setup         func(sched *system.Scheduler, res *resource.Container) error
}

// Install validates the order of mods, then calls every LoadResources and then
// every Setup in that order. The first error stops the install.
func Install(sched *system.Scheduler, mods []Module, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	seen := make(map[string]bool, len(mods))
	for _, m := range mods {
		if m.Name == "" {
			return fmt.Errorf("module without name: %w", ErrDuplicate)
		}
		if seen[m.Name] {
			return fmt.Errorf("module %s: %w", m.Name, ErrDuplicate)
		}
		for _, dep := range m.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("module %s needs %s: %w", m.Name, dep, ErrDependency)
			}
		}
		seen[m.Name] = true
	}

	res := sched.Resources()
	for _, m := range mods {
		if m.LoadResources == nil {
			continue
		}
		if err := m.LoadResources(res); err != nil {
			return fmt.Errorf("module %s: load resources: %w", m.Name, err)
		}
	}
	for _, m := range mods {
		if m.Setup != nil {
			if err := m.Setup(sched, res); err != nil {
				return fmt.Errorf("module %s: setup: %w", m.Name, err)
			}
		}
		log.Debug("module installed", zap.String("module", m.Name), zap.Strings("dependencies", m.Dependencies))
	}
	log.Info("modules installed", zap.Int("count", len(mods)))
	return nil
}
