package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l1jgo/engine/internal/component"
	"github.com/l1jgo/engine/internal/config"
	"github.com/l1jgo/engine/internal/core/ecs"
	"github.com/l1jgo/engine/internal/core/resource"
	coresys "github.com/l1jgo/engine/internal/core/system"
	"github.com/l1jgo/engine/internal/data"
	"github.com/l1jgo/engine/internal/module"
	"github.com/l1jgo/engine/internal/persist"
	"github.com/l1jgo/engine/internal/scripting"
	"github.com/l1jgo/engine/internal/snapshot"
	"github.com/l1jgo/engine/internal/system"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

// ── Engine host ───────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Store, resources, scheduler
	registry := ecs.NewRegistry()
	world := ecs.NewWorld(registry, log.Named("world"))
	resources := resource.NewContainer()
	sched := coresys.NewScheduler(world, resources, log.Named("scheduler"), coresys.Options{
		Parallel:    cfg.Engine.Parallel,
		Workers:     cfg.Engine.Workers,
		StartPaused: cfg.Engine.StartPaused,
	})

	// 4. Scene store
	printSection("Scene store")
	store, closeStore, err := openSceneStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("scene store: %w", err)
	}
	defer closeStore()
	printOK("backend " + cfg.Snapshot.Backend)
	fmt.Println()

	// 5. Modules
	var (
		engine   *scripting.Engine
		autosave *system.AutosaveSystem
	)
	defer func() {
		if engine != nil {
			engine.Close()
		}
	}()
	mods := []module.Module{
		{
			Name: "core",
			LoadResources: func(*resource.Container) error {
				return component.Register(registry)
			},
			Setup: func(s *coresys.Scheduler, _ *resource.Container) error {
				movement, err := system.NewMovementSystem(world)
				if err != nil {
					return err
				}
				if err := s.Register(movement); err != nil {
					return err
				}
				return s.Register(system.NewCleanupSystem(world, log.Named("cleanup")))
			},
		},
		{
			Name:          "data",
			Dependencies:  []string{"core"},
			LoadResources: loadComponentTable(cfg.Data.Components, registry, log),
		},
		{
			Name:         "scripting",
			Dependencies: []string{"data"},
			Setup: func(s *coresys.Scheduler, res *resource.Container) error {
				if !cfg.Scripting.Enabled {
					return nil
				}
				e, err := scripting.NewEngine(s, log.Named("lua"))
				if err != nil {
					return err
				}
				engine = e
				if err := e.LoadDir(cfg.Scripting.Dir); err != nil {
					return err
				}
				printStat("Lua scripts", len(e.Origins()))
				return res.Provide("scripting", e)
			},
		},
		{
			Name:         "persistence",
			Dependencies: []string{"data", "scripting"},
			Setup: func(s *coresys.Scheduler, res *resource.Container) error {
				if store == nil {
					return nil
				}
				autosave = system.NewAutosaveSystem(world, store, log.Named("autosave"), cfg.Snapshot.AutosaveFrames)
				if cfg.Snapshot.RestoreOnStart {
					if err := restoreScene(ctx, world, store, autosave, log); err != nil {
						return err
					}
				}
				if err := res.Provide("scene.store", store); err != nil {
					return err
				}
				return s.Register(autosave)
			},
		},
	}
	printSection("Modules")
	if err := module.Install(sched, mods, log); err != nil {
		return err
	}
	printStat("Component types", len(registry.Types()))
	printStat("Entities", world.Len())
	fmt.Println()

	// 6. Start systems and run the frame loop
	if err := sched.Setup(ctx); err != nil {
		return fmt.Errorf("scheduler setup: %w", err)
	}
	if engine != nil {
		go reloadOnHangup(ctx, engine, log)
	}

	log.Info("engine running", zap.Duration("tick", cfg.Engine.TickRate), zap.String("scene", cfg.Snapshot.Scene))
	runErr := sched.Run(ctx, cfg.Engine.TickRate)
	log.Info("stopping engine", zap.Uint64("frames", sched.FrameNumber()))

	// 7. Save and shut down
	if autosave != nil && cfg.Snapshot.SaveOnShutdown {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := autosave.SaveNow(saveCtx); err != nil {
			log.Error("final save failed", zap.Error(err))
		}
		cancel()
	}
	if err := sched.Shutdown(context.Background()); err != nil {
		log.Warn("teardowns failed", zap.Error(err))
	}
	log.Info("engine stopped", zap.Uint64("system_failures", sched.Failures()))
	return runErr
}

func openSceneStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (snapshot.Store, func(), error) {
	sc := cfg.Snapshot
	switch sc.Backend {
	case config.BackendFile:
		return snapshot.NewFileStore(sc.Dir, sc.Scene), func() {}, nil
	case config.BackendPostgres:
		dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		db, err := persist.NewDB(dbCtx, cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		if err := persist.RunMigrations(dbCtx, db.Pool); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		repo := persist.NewPGSceneRepo(db)
		return persist.NewSceneStore(repo, sc.Scene, sc.KeepRevisions, log.Named("scene")), func() { repo.Close() }, nil
	case config.BackendSQLite:
		repo, err := persist.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return persist.NewSceneStore(repo, sc.Scene, sc.KeepRevisions, log.Named("scene")), func() { repo.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func loadComponentTable(path string, registry *ecs.Registry, log *zap.Logger) func(*resource.Container) error {
	return func(res *resource.Container) error {
		if path == "" {
			return nil
		}
		table, err := data.LoadComponentTable(path)
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no component table", zap.String("path", path))
			return nil
		}
		if err != nil {
			return err
		}
		if err := table.Install(registry); err != nil {
			return err
		}
		printStat("Data component types", table.Count())
		return res.Provide("components", table)
	}
}

func restoreScene(ctx context.Context, world *ecs.World, store snapshot.Store, autosave *system.AutosaveSystem, log *zap.Logger) error {
	entities, err := store.LoadScene(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		log.Info("no saved scene, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	if err := snapshot.Restore(world, true, entities); err != nil {
		return fmt.Errorf("restore scene: %w", err)
	}
	printOK(fmt.Sprintf("scene restored (%d entities)", len(entities)))
	return autosave.MarkSaved(entities)
}

// reloadOnHangup reloads every script on SIGHUP.
func reloadOnHangup(ctx context.Context, engine *scripting.Engine, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := engine.ReloadAll(); err != nil {
				log.Error("script reload failed", zap.Error(err))
				continue
			}
			log.Info("scripts reloaded", zap.Strings("origins", engine.Origins()))
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
