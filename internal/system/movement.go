package system

import (
	"github.com/l1jgo/engine/internal/component"
	"github.com/l1jgo/engine/internal/core/ecs"
	coresys "github.com/l1jgo/engine/internal/core/system"
)

// MovementSystem adds Velocity to Position once per frame for every enabled
// entity carrying both, independent of the frame delta. Pool: update.
type MovementSystem struct {
	moving *ecs.Query
}

func NewMovementSystem(world *ecs.World) (*MovementSystem, error) {
	q, err := world.Query().
		Named("movement").
		With(component.PositionType).
		With(component.VelocityType).
		Build()
	if err != nil {
		return nil, err
	}
	return &MovementSystem{moving: q}, nil
}

func (s *MovementSystem) Identifier() string { return "engine.movement" }
func (s *MovementSystem) Pool() coresys.Pool { return coresys.PoolUpdate }

func (s *MovementSystem) Update(*coresys.Frame) error {
	return s.moving.ForEach(func(row ecs.Row) error {
		pos, ok := ecs.As[*component.Position](row, 0)
		if !ok {
			return nil
		}
		vel, ok := ecs.As[*component.Velocity](row, 1)
		if !ok {
			return nil
		}
		pos.X += vel.DX
		pos.Y += vel.DY
		return nil
	})
}
