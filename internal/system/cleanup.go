package system

import (
	"github.com/l1jgo/engine/internal/core/ecs"
	coresys "github.com/l1jgo/engine/internal/core/system"
	"go.uber.org/zap"
)

// CleanupSystem flushes the deferred entity destruction queue at frame end.
// Pool: cleanup.
type CleanupSystem struct {
	world *ecs.World
	log   *zap.Logger
}

func NewCleanupSystem(world *ecs.World, log *zap.Logger) *CleanupSystem {
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupSystem{world: world, log: log}
}

func (s *CleanupSystem) Identifier() string { return "engine.cleanup" }
func (s *CleanupSystem) Pool() coresys.Pool { return coresys.PoolCleanup }

func (s *CleanupSystem) Update(f *coresys.Frame) error {
	if n := s.world.FlushDestroyQueue(); n > 0 {
		s.log.Debug("destroyed entities", zap.Int("count", n), zap.Uint64("frame", f.Number))
	}
	return nil
}
