package system

import (
	"context"
	"sync"
	"time"

	"github.com/l1jgo/engine/internal/core/ecs"
	coresys "github.com/l1jgo/engine/internal/core/system"
	"github.com/l1jgo/engine/internal/snapshot"
	"go.uber.org/zap"
)

// AutosaveSystem periodically saves the world to a snapshot store. A save is
// skipped when the encoded scene has the same checksum as the last one saved.
// Pool: persist.
type AutosaveSystem struct {
	world    *ecs.World
	store    snapshot.Store
	log      *zap.Logger
	interval int // auto-save every N frames
	timeout  time.Duration

	frames int

	mu      sync.Mutex
	lastSum string
	saves   int
}

func NewAutosaveSystem(world *ecs.World, store snapshot.Store, log *zap.Logger, intervalFrames int) *AutosaveSystem {
	if log == nil {
		log = zap.NewNop()
	}
	return &AutosaveSystem{
		world:    world,
		store:    store,
		log:      log,
		interval: intervalFrames,
		timeout:  5 * time.Second,
	}
}

func (s *AutosaveSystem) Identifier() string { return "engine.autosave" }
func (s *AutosaveSystem) Pool() coresys.Pool { return coresys.PoolPersist }

func (s *AutosaveSystem) Update(f *coresys.Frame) error {
	if s.interval <= 0 {
		return nil
	}
	s.frames++
	if s.frames < s.interval {
		return nil
	}
	s.frames = 0
	_, err := s.save(f.Context(), false)
	return err
}

// SaveNow saves the world even if it did not change since the last save.
// Called at shutdown.
func (s *AutosaveSystem) SaveNow(ctx context.Context) error {
	_, err := s.save(ctx, true)
	return err
}

// Saves returns how many snapshots were written.
func (s *AutosaveSystem) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// MarkSaved records entities as the last saved state, e.g. after a restore,
// so an unchanged world is not saved again.
func (s *AutosaveSystem) MarkSaved(entities []snapshot.SerializedEntity) error {
	data, err := snapshot.Encode(entities)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSum = snapshot.Checksum(data)
	s.mu.Unlock()
	return nil
}

func (s *AutosaveSystem) save(ctx context.Context, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entities, err := snapshot.Take(s.world)
	if err != nil {
		return false, err
	}
	data, err := snapshot.Encode(entities)
	if err != nil {
		return false, err
	}
	sum := snapshot.Checksum(data)
	if !force && sum == s.lastSum {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.SaveScene(ctx, entities); err != nil {
		s.log.Error("autosave failed", zap.Error(err))
		return false, err
	}
	s.lastSum = sum
	s.saves++
	s.log.Info("autosave complete", zap.Int("entities", len(entities)))
	return true, nil
}
