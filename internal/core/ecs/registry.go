package ecs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ComponentType describes one registered component type. New returns a zero
// instance that SetFields can populate when a snapshot is restored.
type ComponentType struct {
	Identifier string
	New        func() Component
}

// Registry is the runtime type table the World consults to validate
// components. It also records extension types: when a component of a base type
// is added to an entity, a default instance of each extension type is appended
// unless the entity already carries one.
type Registry struct {
	mu         sync.RWMutex
	types      map[string]ComponentType
	extensions map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		types:      make(map[string]ComponentType, 16),
		extensions: make(map[string][]string),
	}
}

// Register adds a component type. Re-registering an identifier replaces it.
func (r *Registry) Register(t ComponentType) error {
	id, err := normalizeIdentifier(t.Identifier)
	if err != nil {
		return err
	}
	if t.New == nil {
		return fmt.Errorf("register %s: %w: missing constructor", id, ErrInvalidComponent)
	}
	t.Identifier = id
	r.mu.Lock()
	r.types[id] = t
	r.mu.Unlock()
	return nil
}

// RegisterRecord registers a Record-backed type whose new instances start with
// a copy of defaults.
func (r *Registry) RegisterRecord(identifier string, defaults Fields) error {
	id, err := normalizeIdentifier(identifier)
	if err != nil {
		return err
	}
	base, err := NormalizeFields(defaults)
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	return r.Register(ComponentType{
		Identifier: id,
		New: func() Component {
			rec, _ := NewRecord(id, base)
			return rec
		},
	})
}

// AddExtension declares ext as an extension of base. Both must be registered.
func (r *Registry) AddExtension(base, ext string) error {
	b, err := r.resolve(base)
	if err != nil {
		return err
	}
	e, err := r.resolve(ext)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.extensions[b] {
		if cur == e {
			return nil
		}
	}
	r.extensions[b] = append(r.extensions[b], e)
	return nil
}

func (r *Registry) Lookup(identifier string) (ComponentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[norm.NFC.String(identifier)]
	return t, ok
}

func (r *Registry) Has(identifier string) bool {
	_, ok := r.Lookup(identifier)
	return ok
}

// Types returns the registered identifiers in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.types))
	for id := range r.types {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Instantiate creates a component of the given type populated with fields.
func (r *Registry) Instantiate(identifier string, fields Fields) (Component, error) {
	t, ok := r.Lookup(identifier)
	if !ok {
		return nil, fmt.Errorf("instantiate %q: %w", identifier, ErrUnknownComponentType)
	}
	c := t.New()
	if fields != nil {
		if err := c.SetFields(fields); err != nil {
			return nil, fmt.Errorf("instantiate %s: %w", t.Identifier, err)
		}
	}
	return c, nil
}

// resolve returns the normalised identifier of a registered type.
func (r *Registry) resolve(identifier string) (string, error) {
	t, ok := r.Lookup(identifier)
	if !ok {
		return "", fmt.Errorf("%q: %w", identifier, ErrUnknownComponentType)
	}
	return t.Identifier, nil
}

// typeOf validates c and returns its normalised identifier.
func (r *Registry) typeOf(c Component) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: nil component", ErrInvalidComponent)
	}
	t, ok := r.Lookup(c.TypeIdentifier())
	if !ok {
		return "", fmt.Errorf("%w: type %q is not registered", ErrInvalidComponent, c.TypeIdentifier())
	}
	return t.Identifier, nil
}

func (r *Registry) extensionsOf(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensions[typ]
}

func normalizeIdentifier(identifier string) (string, error) {
	id := norm.NFC.String(strings.TrimSpace(identifier))
	if id == "" || id != identifier {
		return "", fmt.Errorf("%w: malformed type identifier %q", ErrInvalidComponent, identifier)
	}
	for _, c := range id {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return "", fmt.Errorf("%w: malformed type identifier %q", ErrInvalidComponent, identifier)
		}
	}
	return id, nil
}
