package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l1jgo/engine/internal/core/ecs"
	"github.com/l1jgo/engine/internal/core/resource"
)

// Pool orders execution within a frame. Pools run in ascending order when the
// scheduler is sequential and concurrently with each other when it is
// parallel; the systems of one pool always run one after another.
type Pool int

const (
	PoolInput      Pool = -20 // drain external input
	PoolPreUpdate  Pool = -10 // react to last frame's changes
	PoolUpdate     Pool = 0   // game logic, the default
	PoolPostUpdate Pool = 10
	PoolOutput     Pool = 20
	PoolPersist    Pool = 30 // autosave
	PoolCleanup    Pool = 40 // destroy queued entities
)

func (p Pool) String() string {
	switch p {
	case PoolInput:
		return "input"
	case PoolPreUpdate:
		return "pre-update"
	case PoolUpdate:
		return "update"
	case PoolPostUpdate:
		return "post-update"
	case PoolOutput:
		return "output"
	case PoolPersist:
		return "persist"
	case PoolCleanup:
		return "cleanup"
	}
	return fmt.Sprintf("pool(%d)", int(p))
}

// State is the scheduler lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrInvalidSystem  = errors.New("invalid system")
)

// Frame is passed to every system invocation.
type Frame struct {
	Number    uint64 // 0 during startup
	Delta     time.Duration
	World     *ecs.World
	Resources *resource.Container

	ctx context.Context
}

// Context is cancelled when the host stops the frame loop.
func (f *Frame) Context() context.Context {
	if f.ctx == nil {
		return context.Background()
	}
	return f.ctx
}

// FrameFunc is called once per frame.
type FrameFunc func(f *Frame) error

// Teardown undoes what a startup system set up.
type Teardown func() error

// StartupFunc runs once when the scheduler starts and may return a Teardown.
type StartupFunc func(f *Frame) (Teardown, error)

// Params configures a frame system.
type Params struct {
	Pool        Pool
	IgnorePause bool
	// MainThread pins the system to the goroutine calling RunFrame.
	MainThread bool
	// Origin groups systems for UnloadOrigin, e.g. the script that added them.
	Origin string
}

// StartupParams configures a startup system.
type StartupParams struct {
	IgnorePause bool
	Origin      string
}

// System is implemented by the built-in systems; Register adapts it to AddSystem.
type System interface {
	Identifier() string
	Pool() Pool
	Update(f *Frame) error
}
