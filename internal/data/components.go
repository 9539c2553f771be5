package data

import (
	"fmt"
	"os"
	"sort"

	"github.com/l1jgo/engine/internal/core/ecs"
	"gopkg.in/yaml.v3"
)

// ComponentEntry declares one runtime component type. Defaults become the
// initial fields of new instances; Extensions are appended automatically
// whenever a component of this type is added to an entity.
type ComponentEntry struct {
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Defaults    map[string]any `yaml:"defaults"`
	Extensions  []string       `yaml:"extensions"`
}

// ComponentTable is the parsed component type table.
type ComponentTable struct {
	entries []ComponentEntry
	byType  map[string]*ComponentEntry
}

// LoadComponentTable loads components.yaml.
func LoadComponentTable(path string) (*ComponentTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read component table: %w", err)
	}
	return ParseComponentTable(raw)
}

func ParseComponentTable(raw []byte) (*ComponentTable, error) {
	var file struct {
		Components []ComponentEntry `yaml:"components"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse component table: %w", err)
	}
	t := &ComponentTable{
		entries: file.Components,
		byType:  make(map[string]*ComponentEntry, len(file.Components)),
	}
	for i := range t.entries {
		e := &t.entries[i]
		if e.Type == "" {
			return nil, fmt.Errorf("component table entry %d: missing type", i)
		}
		if _, dup := t.byType[e.Type]; dup {
			return nil, fmt.Errorf("component table: %s declared twice", e.Type)
		}
		t.byType[e.Type] = e
	}
	return t, nil
}

// Get returns the entry for a type, or nil if none.
func (t *ComponentTable) Get(typ string) *ComponentEntry {
	return t.byType[typ]
}

// Types returns the declared type identifiers in sorted order.
func (t *ComponentTable) Types() []string {
	out := make([]string, 0, len(t.byType))
	for typ := range t.byType {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of component types loaded.
func (t *ComponentTable) Count() int {
	return len(t.entries)
}

// Install registers every declared type as a record type, then the
// extensions. Types already in the registry (Go components) are not
// registered again but may still declare extensions.
func (t *ComponentTable) Install(reg *ecs.Registry) error {
	for _, e := range t.entries {
		if reg.Has(e.Type) {
			if len(e.Defaults) > 0 {
				return fmt.Errorf("component %s is registered in code; defaults are not allowed", e.Type)
			}
			continue
		}
		if err := reg.RegisterRecord(e.Type, ecs.Fields(e.Defaults)); err != nil {
			return fmt.Errorf("component %s: %w", e.Type, err)
		}
	}
	for _, e := range t.entries {
		for _, ext := range e.Extensions {
			if err := reg.AddExtension(e.Type, ext); err != nil {
				return fmt.Errorf("component %s extension %s: %w", e.Type, ext, err)
			}
		}
	}
	return nil
}
