package ecs

import (
	"fmt"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProjectionKind selects what a query yields at one position of a Row.
type ProjectionKind int

const (
	ProjectEntity ProjectionKind = iota
	ProjectID
	ProjectName
	ProjectEnabled
	ProjectComponent
	ProjectOptionalComponent
)

func (k ProjectionKind) String() string {
	switch k {
	case ProjectEntity:
		return "Entity"
	case ProjectID:
		return "Id"
	case ProjectName:
		return "Name"
	case ProjectEnabled:
		return "Enabled"
	case ProjectComponent:
		return "Component"
	case ProjectOptionalComponent:
		return "OptionalComponent"
	default:
		return fmt.Sprintf("ProjectionKind(%d)", int(k))
	}
}

// Projection is one position of a query row. Type is set for the component kinds.
type Projection struct {
	Kind ProjectionKind
	Type string
}

// QueryBuilder accumulates filters and projections. Every method returns a new
// builder, so a partial chain can be shared and extended in different ways.
// The first error (an unregistered type) is kept and returned by Build.
type QueryBuilder struct {
	world       *World
	name        string
	required    []string
	optional    []string
	excluded    []string
	projections []Projection
	err         error
}

func NewQueryBuilder(w *World) *QueryBuilder {
	return &QueryBuilder{world: w, name: "query"}
}

func (b *QueryBuilder) clone() *QueryBuilder {
	c := *b
	c.required = slices.Clone(b.required)
	c.optional = slices.Clone(b.optional)
	c.excluded = slices.Clone(b.excluded)
	c.projections = slices.Clone(b.projections)
	return &c
}

// Named sets the identifier used when callback failures are reported.
func (b *QueryBuilder) Named(name string) *QueryBuilder {
	c := b.clone()
	c.name = name
	return c
}

func (b *QueryBuilder) WithEntity() *QueryBuilder  { return b.project(Projection{Kind: ProjectEntity}) }
func (b *QueryBuilder) WithID() *QueryBuilder      { return b.project(Projection{Kind: ProjectID}) }
func (b *QueryBuilder) WithName() *QueryBuilder    { return b.project(Projection{Kind: ProjectName}) }
func (b *QueryBuilder) WithEnabled() *QueryBuilder { return b.project(Projection{Kind: ProjectEnabled}) }

// With requires a component type and projects the entity's first component of it.
func (b *QueryBuilder) With(typ string) *QueryBuilder {
	c := b.clone()
	id, ok := c.resolve("with", typ)
	if !ok {
		return c
	}
	if !slices.Contains(c.required, id) {
		c.required = append(c.required, id)
	}
	c.projections = append(c.projections, Projection{Kind: ProjectComponent, Type: id})
	return c
}

// WithOptional projects the entity's first component of a type, or nil. It
// never affects matching.
func (b *QueryBuilder) WithOptional(typ string) *QueryBuilder {
	c := b.clone()
	id, ok := c.resolve("withOptional", typ)
	if !ok {
		return c
	}
	if !slices.Contains(c.optional, id) {
		c.optional = append(c.optional, id)
	}
	c.projections = append(c.projections, Projection{Kind: ProjectOptionalComponent, Type: id})
	return c
}

// Without excludes entities carrying a component of typ. It adds no projection.
func (b *QueryBuilder) Without(typ string) *QueryBuilder {
	c := b.clone()
	id, ok := c.resolve("without", typ)
	if !ok {
		return c
	}
	if !slices.Contains(c.excluded, id) {
		c.excluded = append(c.excluded, id)
	}
	return c
}

// Err returns the first error recorded by the chain.
func (b *QueryBuilder) Err() error { return b.err }

// Build compiles the query. A query with no projections is valid.
func (b *QueryBuilder) Build() (*Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	c := b.clone()
	return &Query{
		world:       c.world,
		name:        c.name,
		required:    c.required,
		optional:    c.optional,
		excluded:    c.excluded,
		projections: c.projections,
	}, nil
}

// MustBuild is Build for queries assembled from constant type names at setup.
func (b *QueryBuilder) MustBuild() *Query {
	q, err := b.Build()
	if err != nil {
		panic(err)
	}
	return q
}

func (b *QueryBuilder) project(p Projection) *QueryBuilder {
	c := b.clone()
	c.projections = append(c.projections, p)
	return c
}

func (b *QueryBuilder) resolve(op, typ string) (string, bool) {
	if b.err != nil {
		return "", false
	}
	id, err := b.world.registry.resolve(typ)
	if err != nil {
		b.err = fmt.Errorf("query %s: %s: %w", b.name, op, err)
		return "", false
	}
	return id, true
}

// Query is a compiled, immutable filter. It holds no entities: every call
// evaluates against the World's current state.
type Query struct {
	world       *World
	name        string
	required    []string
	optional    []string
	excluded    []string
	projections []Projection
}

func (q *Query) Name() string  { return q.name }
func (q *Query) World() *World { return q.world }

// Projections returns the row layout in the order it was chained.
func (q *Query) Projections() []Projection { return slices.Clone(q.projections) }

func (q *Query) matches(e *entity) bool {
	if !e.enabled {
		return false
	}
	for _, t := range q.required {
		if !e.has(t) {
			return false
		}
	}
	for _, t := range q.excluded {
		if e.has(t) {
			return false
		}
	}
	return true
}

func (q *Query) row(e *entity) Row {
	row := make(Row, len(q.projections))
	for i, p := range q.projections {
		switch p.Kind {
		case ProjectEntity:
			row[i] = EntityReference{world: q.world, id: e.id}
		case ProjectID:
			row[i] = e.id
		case ProjectName:
			row[i] = e.name
		case ProjectEnabled:
			row[i] = e.enabled
		case ProjectComponent, ProjectOptionalComponent:
			if c := e.first(p.Type); c != nil {
				row[i] = c
			}
		}
	}
	return row
}

// Matches reports whether the entity currently matches the query.
func (q *Query) Matches(id EntityID) bool {
	_, ok := q.Row(id)
	return ok
}

// Row returns the projections for one entity if it currently matches.
func (q *Query) Row(id EntityID) (Row, bool) {
	q.world.mu.RLock()
	defer q.world.mu.RUnlock()
	e, ok := q.world.lookup(id)
	if !ok || !q.matches(e) {
		return nil, false
	}
	return q.row(e), true
}

// IDs returns the matching entity ids in creation order.
func (q *Query) IDs() []EntityID {
	q.world.mu.RLock()
	defer q.world.mu.RUnlock()
	var ids []EntityID
	for _, e := range q.world.order {
		if q.matches(e) {
			ids = append(ids, e.id)
		}
	}
	return ids
}

func (q *Query) Len() int { return len(q.IDs()) }

// ForEach calls fn once per matching entity in creation order. The match set
// is taken when the call starts: entities created during the pass are not
// visited, and entities removed or no longer matching before their turn are
// skipped. A failing callback is reported and iteration continues; the
// failures are returned combined.
func (q *Query) ForEach(fn func(Row) error) error {
	var errs error
	for _, id := range q.IDs() {
		row, ok := q.Row(id)
		if !ok {
			continue
		}
		if err := Guard(q.name, id, func() error { return fn(row) }); err != nil {
			q.world.log.Warn("query callback failed",
				zap.String("query", q.name),
				zap.Uint64("entity", uint64(id)),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Row is one query result. Its length and layout follow Query.Projections.
type Row []any

func (r Row) Entity(i int) EntityReference {
	ref, _ := r[i].(EntityReference)
	return ref
}

func (r Row) ID(i int) EntityID {
	id, _ := r[i].(EntityID)
	return id
}

func (r Row) Name(i int) string {
	s, _ := r[i].(string)
	return s
}

func (r Row) Enabled(i int) bool {
	b, _ := r[i].(bool)
	return b
}

// Component returns the component at i, or nil for an absent optional component.
func (r Row) Component(i int) Component {
	c, _ := r[i].(Component)
	return c
}

// As returns the value at i as T. The second result is false for absent
// optional components and for values of another type.
func As[T any](r Row, i int) (T, bool) {
	v, ok := r[i].(T)
	return v, ok
}
