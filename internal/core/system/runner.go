package system

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/engine/internal/core/ecs"
	"github.com/l1jgo/engine/internal/core/event"
	"github.com/l1jgo/engine/internal/core/resource"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tune frame dispatch.
type Options struct {
	// Parallel runs different pools concurrently. When false every system
	// runs on the goroutine calling RunFrame, pools in ascending order.
	Parallel bool
	// Workers bounds how many pools run at once. Zero means GOMAXPROCS.
	Workers int
	// StartPaused sets the pause flag before Setup.
	StartPaused bool
}

type startupEntry struct {
	id     string
	fn     StartupFunc
	params StartupParams
	ran    bool
}

type frameEntry struct {
	id     string
	fn     FrameFunc
	params Params
}

type teardownEntry struct {
	id      string
	origin  string
	fn      Teardown
	startup *startupEntry
}

// Scheduler runs startup systems once and frame systems every frame.
type Scheduler struct {
	world     *ecs.World
	resources *resource.Container
	log       *zap.Logger
	tracer    trace.Tracer
	opts      Options

	state  atomic.Int32
	paused atomic.Bool
	frame  atomic.Uint64
	failed atomic.Uint64

	// pauseMu serialises pause transitions and the startup pass.
	pauseMu sync.Mutex

	mu        sync.Mutex
	startups  []*startupEntry
	systems   []*frameEntry
	disabled  map[Pool]bool
	teardowns []*teardownEntry

	// OnFailure is notified for every system, startup or teardown failure.
	OnFailure *event.Signal[*ecs.SystemFailure]
}

func NewScheduler(world *ecs.World, resources *resource.Container, log *zap.Logger, opts Options) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if resources == nil {
		resources = resource.NewContainer()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{
		world:     world,
		resources: resources,
		log:       log,
		tracer:    otel.Tracer("github.com/l1jgo/engine/internal/core/system"),
		opts:      opts,
		disabled:  make(map[Pool]bool),
		OnFailure: event.NewSignal[*ecs.SystemFailure](),
	}
	s.paused.Store(opts.StartPaused)
	return s
}

func (s *Scheduler) World() *ecs.World              { return s.world }
func (s *Scheduler) Resources() *resource.Container { return s.resources }
func (s *Scheduler) State() State                   { return State(s.state.Load()) }

// FrameNumber is the number of the last frame started.
func (s *Scheduler) FrameNumber() uint64 { return s.frame.Load() }

// Failures counts system failures reported since creation.
func (s *Scheduler) Failures() uint64 { return s.failed.Load() }

// AddStartupSystem registers fn to run at Setup. Once the scheduler is
// running, fn runs immediately unless it is paused and the system honours pause.
func (s *Scheduler) AddStartupSystem(id string, fn StartupFunc, params StartupParams) error {
	if id == "" || fn == nil {
		return fmt.Errorf("startup system %q: %w", id, ErrInvalidSystem)
	}
	e := &startupEntry{id: id, fn: fn, params: params}
	s.mu.Lock()
	s.startups = append(s.startups, e)
	s.mu.Unlock()

	if s.State() == StateRunning && (params.IgnorePause || !s.paused.Load()) {
		s.runStartup(e)
	}
	return nil
}

// AddSystem registers a frame system. Systems added from inside a frame take
// effect from the next frame.
func (s *Scheduler) AddSystem(id string, fn FrameFunc, params Params) error {
	if id == "" || fn == nil {
		return fmt.Errorf("system %q: %w", id, ErrInvalidSystem)
	}
	s.mu.Lock()
	s.systems = append(s.systems, &frameEntry{id: id, fn: fn, params: params})
	s.mu.Unlock()
	return nil
}

// Register adds a System to its own pool.
func (s *Scheduler) Register(sys System) error {
	return s.AddSystem(sys.Identifier(), sys.Update, Params{Pool: sys.Pool()})
}

// Setup runs the startup systems in registration order and moves the
// scheduler to Running. Startup systems that honour pause are skipped while
// paused and run on the next unpause. A failing startup system is reported
// and the remaining ones still run.
func (s *Scheduler) Setup(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("setup: %w", ErrAlreadyStarted)
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.setup")
	defer span.End()

	// Startup systems may register further startup systems; those run in
	// the same pass.
	s.pauseMu.Lock()
	count := 0
	for i := 0; ctx.Err() == nil; i++ {
		s.mu.Lock()
		if i >= len(s.startups) {
			s.mu.Unlock()
			break
		}
		e := s.startups[i]
		s.mu.Unlock()
		if !e.params.IgnorePause && s.paused.Load() {
			continue
		}
		s.runStartup(e)
		count++
	}
	s.state.Store(int32(StateRunning))
	s.pauseMu.Unlock()

	s.log.Info("scheduler started",
		zap.Int("startup_systems", count),
		zap.Bool("paused", s.paused.Load()),
		zap.Bool("parallel", s.opts.Parallel))
	return ctx.Err()
}

func (s *Scheduler) runStartup(e *startupEntry) {
	f := &Frame{World: s.world, Resources: s.resources}
	var td Teardown
	err := ecs.Guard(e.id, 0, func() error {
		var err error
		td, err = e.fn(f)
		return err
	})
	s.mu.Lock()
	e.ran = true
	if err == nil && td != nil {
		s.teardowns = append(s.teardowns, &teardownEntry{id: e.id, origin: e.params.Origin, fn: td, startup: e})
	}
	s.mu.Unlock()
	if err != nil {
		s.fail("startup system failed", err)
	}
}

func (s *Scheduler) IsPaused() bool { return s.paused.Load() }

// SetPaused toggles the pause flag. While running, pausing tears down the
// startup systems that honour pause (newest first) and unpausing starts them
// again. Frame systems observe the flag at their next dispatch.
func (s *Scheduler) SetPaused(paused bool) error {
	if s.State() != StateRunning {
		s.paused.Store(paused)
		return nil
	}
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused.Swap(paused) == paused {
		return nil
	}
	if !paused {
		s.mu.Lock()
		var resume []*startupEntry
		for _, e := range s.startups {
			if !e.params.IgnorePause && !e.ran {
				resume = append(resume, e)
			}
		}
		s.mu.Unlock()
		for _, e := range resume {
			s.runStartup(e)
		}
		s.log.Debug("scheduler resumed")
		return nil
	}

	s.mu.Lock()
	var pending []*teardownEntry
	kept := s.teardowns[:0]
	for _, td := range s.teardowns {
		if td.startup != nil && !td.startup.params.IgnorePause {
			pending = append(pending, td)
			continue
		}
		kept = append(kept, td)
	}
	s.teardowns = kept
	for _, e := range s.startups {
		if !e.params.IgnorePause {
			e.ran = false
		}
	}
	s.mu.Unlock()
	s.log.Debug("scheduler paused", zap.Int("teardowns", len(pending)))
	return s.runTeardowns(pending)
}

// EnablePool and DisablePool include or exclude a whole pool from frames.
func (s *Scheduler) EnablePool(p Pool) {
	s.mu.Lock()
	delete(s.disabled, p)
	s.mu.Unlock()
}

func (s *Scheduler) DisablePool(p Pool) {
	s.mu.Lock()
	s.disabled[p] = true
	s.mu.Unlock()
}

func (s *Scheduler) PoolEnabled(p Pool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[p]
}

// Pools returns the pools that have systems, in ascending order.
func (s *Scheduler) Pools() []Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pools []Pool
	for _, e := range s.systems {
		if !slices.Contains(pools, e.params.Pool) {
			pools = append(pools, e.params.Pool)
		}
	}
	slices.Sort(pools)
	return pools
}

// UnloadOrigin removes every system registered with origin and runs the
// teardowns it still holds, newest first.
func (s *Scheduler) UnloadOrigin(origin string) error {
	s.mu.Lock()
	s.systems = slices.DeleteFunc(s.systems, func(e *frameEntry) bool { return e.params.Origin == origin })
	s.startups = slices.DeleteFunc(s.startups, func(e *startupEntry) bool { return e.params.Origin == origin })
	var pending []*teardownEntry
	kept := s.teardowns[:0]
	for _, td := range s.teardowns {
		if td.origin == origin {
			pending = append(pending, td)
			continue
		}
		kept = append(kept, td)
	}
	s.teardowns = kept
	s.mu.Unlock()
	return s.runTeardowns(pending)
}

// RunFrame runs one frame. System failures are reported through OnFailure
// and the log, never returned; the error is only for a scheduler that is not
// running or a cancelled context.
func (s *Scheduler) RunFrame(ctx context.Context, dt time.Duration) error {
	if s.State() != StateRunning {
		return fmt.Errorf("run frame: %w", ErrNotRunning)
	}
	n := s.frame.Add(1)
	ctx, span := s.tracer.Start(ctx, "scheduler.frame", trace.WithAttributes(attribute.Int64("frame", int64(n))))
	defer span.End()

	f := &Frame{Number: n, Delta: dt, World: s.world, Resources: s.resources, ctx: ctx}
	pools := s.plan()
	if !s.opts.Parallel || len(pools) < 2 {
		for _, p := range pools {
			if err := s.runPool(ctx, f, p, nil); err != nil {
				return err
			}
		}
		return nil
	}
	return s.runParallel(ctx, f, pools)
}

// RunPool runs one pool on the calling goroutine outside the frame cadence.
func (s *Scheduler) RunPool(ctx context.Context, p Pool, dt time.Duration) error {
	if s.State() != StateRunning {
		return fmt.Errorf("run pool %s: %w", p, ErrNotRunning)
	}
	for _, planned := range s.plan() {
		if planned.pool == p {
			f := &Frame{Number: s.frame.Load(), Delta: dt, World: s.world, Resources: s.resources, ctx: ctx}
			return s.runPool(ctx, f, planned, nil)
		}
	}
	return nil
}

// Run calls RunFrame every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if err := s.RunFrame(ctx, dt); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

// Shutdown runs every retained teardown in reverse registration order. A
// failing teardown is reported and the rest still run; the failures are
// returned combined.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("shutdown: %w", ErrNotRunning)
	}
	_, span := s.tracer.Start(ctx, "scheduler.shutdown")
	defer span.End()

	s.mu.Lock()
	pending := s.teardowns
	s.teardowns = nil
	s.systems = nil
	s.startups = nil
	s.mu.Unlock()
	err := s.runTeardowns(pending)

	s.state.Store(int32(StateStopped))
	s.log.Info("scheduler stopped",
		zap.Uint64("frames", s.frame.Load()),
		zap.Int("teardowns", len(pending)))
	return err
}

func (s *Scheduler) runTeardowns(pending []*teardownEntry) error {
	var errs error
	for i := len(pending) - 1; i >= 0; i-- {
		td := pending[i]
		if err := ecs.Guard(td.id, 0, td.fn); err != nil {
			s.fail("teardown failed", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

type poolPlan struct {
	pool    Pool
	systems []*frameEntry
}

func (s *Scheduler) plan() []poolPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plans []poolPlan
	for _, e := range s.systems {
		if s.disabled[e.params.Pool] {
			continue
		}
		i := slices.IndexFunc(plans, func(p poolPlan) bool { return p.pool == e.params.Pool })
		if i < 0 {
			plans = append(plans, poolPlan{pool: e.params.Pool})
			i = len(plans) - 1
		}
		plans[i].systems = append(plans[i].systems, e)
	}
	slices.SortStableFunc(plans, func(a, b poolPlan) int { return int(a.pool) - int(b.pool) })
	return plans
}

type mainJob struct {
	run  func()
	done chan struct{}
}

// runParallel starts one task per pool, at most Workers at a time. Systems
// pinned to the main thread are handed back to the calling goroutine, which
// serves them until every pool has finished.
func (s *Scheduler) runParallel(ctx context.Context, f *Frame, pools []poolPlan) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	jobs := make(chan mainJob)
	finished := make(chan error, 1)

	go func() {
		for _, p := range pools {
			g.Go(func() error { return s.runPool(gctx, f, p, jobs) })
		}
		finished <- g.Wait()
	}()

	for {
		select {
		case j := <-jobs:
			j.run()
			close(j.done)
		case err := <-finished:
			return err
		}
	}
}

// runPool runs the pool's systems in order. When jobs is non-nil the pool is
// on a worker and main-thread systems are sent to the frame goroutine.
func (s *Scheduler) runPool(ctx context.Context, f *Frame, p poolPlan, jobs chan<- mainJob) error {
	for _, e := range p.systems {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.params.IgnorePause && s.paused.Load() {
			continue
		}
		if jobs == nil || !e.params.MainThread {
			s.runSystem(ctx, f, e)
			continue
		}
		j := mainJob{run: func() { s.runSystem(ctx, f, e) }, done: make(chan struct{})}
		select {
		case jobs <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-j.done
	}
	return nil
}

func (s *Scheduler) runSystem(ctx context.Context, f *Frame, e *frameEntry) {
	_, span := s.tracer.Start(ctx, "system "+e.id, trace.WithAttributes(
		attribute.String("system", e.id),
		attribute.Int("pool", int(e.params.Pool))))
	defer span.End()

	if err := ecs.Guard(e.id, 0, func() error { return e.fn(f) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "system failed")
		s.fail("system failed", err)
	}
}

func (s *Scheduler) fail(msg string, err error) {
	s.failed.Add(1)
	var sf *ecs.SystemFailure
	if !errors.As(err, &sf) {
		sf = &ecs.SystemFailure{Source: "scheduler", Err: err}
	}
	fields := []zap.Field{zap.String("system", sf.Source), zap.Error(sf.Err)}
	if sf.Entity != 0 {
		fields = append(fields, zap.Uint64("entity", uint64(sf.Entity)))
	}
	if len(sf.Stack) > 0 {
		fields = append(fields, zap.ByteString("stack", sf.Stack))
	}
	s.log.Error(msg, fields...)
	if nerr := s.OnFailure.Notify(sf); nerr != nil {
		s.log.Error("failure observer failed", zap.Error(nerr))
	}
}
