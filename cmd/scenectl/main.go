// scenectl inspects and moves saved scenes between the file format and the
// database backends.
//
// Usage:
//
//	go run ./cmd/scenectl <command> [-backend sqlite|postgres] [-scene name] [args]
//
// Commands: list, export <out.yaml> [-rev id], import <in.yaml>, delete, verify <file.yaml>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/l1jgo/engine/internal/config"
	"github.com/l1jgo/engine/internal/persist"
	"github.com/l1jgo/engine/internal/snapshot"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath := fs.String("config", config.Path(), "engine config file")
	backend := fs.String("backend", "", "sqlite or postgres (default: snapshot.backend from config)")
	scene := fs.String("scene", "", "scene name (default: snapshot.scene from config)")
	rev := fs.String("rev", "", "revision id for export (default: newest)")
	fs.Parse(os.Args[2:])

	if cmd == "verify" {
		if err := verify(fs.Args()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *backend == "" {
		*backend = cfg.Snapshot.Backend
	}
	if *scene == "" {
		*scene = cfg.Snapshot.Scene
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	repo, err := openRepo(ctx, cfg, *backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer repo.Close()
	store := persist.NewSceneStore(repo, *scene, cfg.Snapshot.KeepRevisions, nil)

	switch cmd {
	case "list":
		err = list(ctx, repo)
	case "export":
		err = export(ctx, store, *rev, fs.Args())
	case "import":
		err = importFile(ctx, store, fs.Args())
	case "delete":
		var n int64
		if n, err = repo.Delete(ctx, *scene); err == nil {
			fmt.Printf("Deleted %d revisions of %s\n", n, *scene)
		}
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: scenectl <list|export|import|delete|verify> [-backend sqlite|postgres] [-scene name] [args]")
}

func openRepo(ctx context.Context, cfg *config.Config, backend string) (persist.SceneRepo, error) {
	switch backend {
	case config.BackendSQLite:
		return persist.OpenSQLite(ctx, cfg.SQLite.Path)
	case config.BackendPostgres:
		db, err := persist.NewDB(ctx, cfg.Database, nil)
		if err != nil {
			return nil, err
		}
		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			db.Close()
			return nil, err
		}
		return persist.NewPGSceneRepo(db), nil
	}
	return nil, fmt.Errorf("backend %q has no revision history; use sqlite or postgres", backend)
}

func list(ctx context.Context, repo persist.SceneRepo) error {
	revs, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range revs {
		fmt.Printf("%-20s %s  %6d entities  %s  %s\n",
			r.Scene, r.ID, r.Entities, r.CreatedAt.Local().Format(time.DateTime), short(r.Checksum))
	}
	fmt.Printf("%d scenes\n", len(revs))
	return nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func export(ctx context.Context, store *persist.SceneStore, rev string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("export needs an output file")
	}
	var (
		entities []snapshot.SerializedEntity
		err      error
	)
	if rev != "" {
		id, perr := uuid.Parse(rev)
		if perr != nil {
			return fmt.Errorf("revision id: %w", perr)
		}
		entities, err = store.LoadRevision(ctx, id)
	} else {
		entities, err = store.LoadScene(ctx)
	}
	if err != nil {
		return err
	}
	if err := snapshot.Save(args[0], entities); err != nil {
		return err
	}
	fmt.Printf("Wrote %d entities to %s\n", len(entities), args[0])
	return nil
}

func importFile(ctx context.Context, store *persist.SceneStore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import needs an input file")
	}
	entities, err := snapshot.Load(args[0])
	if err != nil {
		return err
	}
	if err := store.SaveScene(ctx, entities); err != nil {
		return err
	}
	fmt.Printf("Imported %d entities from %s\n", len(entities), args[0])
	return nil
}

func verify(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("verify needs at least one file")
	}
	for _, path := range args {
		entities, err := snapshot.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok, %d entities\n", path, len(entities))
	}
	return nil
}
