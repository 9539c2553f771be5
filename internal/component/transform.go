package component

import (
	"github.com/l1jgo/engine/internal/core/ecs"
)

// Type identifiers of the built-in components.
const (
	PositionType = "Position"
	VelocityType = "Velocity"
)

// Position is a point in world units.
// Pure data; MovementSystem integrates it.
type Position struct {
	X, Y float64
}

func (p *Position) TypeIdentifier() string { return PositionType }

func (p *Position) Fields() ecs.Fields {
	return ecs.Fields{"x": p.X, "y": p.Y}
}

func (p *Position) SetFields(f ecs.Fields) error {
	p.X = number(f["x"])
	p.Y = number(f["y"])
	return nil
}

// Velocity is a displacement per frame.
type Velocity struct {
	DX, DY float64
}

func (v *Velocity) TypeIdentifier() string { return VelocityType }

func (v *Velocity) Fields() ecs.Fields {
	return ecs.Fields{"dx": v.DX, "dy": v.DY}
}

func (v *Velocity) SetFields(f ecs.Fields) error {
	v.DX = number(f["dx"])
	v.DY = number(f["dy"])
	return nil
}

// number reads an int64 or float64 field; anything else is 0.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

// Register adds the built-in component types to reg.
func Register(reg *ecs.Registry) error {
	for _, t := range []ecs.ComponentType{
		{Identifier: PositionType, New: func() ecs.Component { return &Position{} }},
		{Identifier: VelocityType, New: func() ecs.Component { return &Velocity{} }},
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
