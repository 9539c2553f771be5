package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteSceneRepo stores scene revisions in a local SQLite file.
type SQLiteSceneRepo struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// SQLite migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSceneRepo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", clean+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := RunSQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSceneRepo{db: db}, nil
}

func (r *SQLiteSceneRepo) Save(ctx context.Context, rev SceneRevision) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scene_revisions (id, scene, entities, checksum, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rev.ID.String(), rev.Scene, rev.Entities, rev.Checksum, string(rev.Data), rev.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert scene revision: %w", err)
	}
	return nil
}

func (r *SQLiteSceneRepo) Latest(ctx context.Context, scene string) (SceneRevision, error) {
	return r.one(ctx,
		`SELECT id, scene, entities, checksum, data, created_at
		 FROM scene_revisions WHERE scene = ?
		 ORDER BY revision DESC LIMIT 1`, scene)
}

func (r *SQLiteSceneRepo) Revision(ctx context.Context, id uuid.UUID) (SceneRevision, error) {
	return r.one(ctx,
		`SELECT id, scene, entities, checksum, data, created_at
		 FROM scene_revisions WHERE id = ?`, id.String())
}

func (r *SQLiteSceneRepo) one(ctx context.Context, query string, arg any) (SceneRevision, error) {
	var (
		rev     SceneRevision
		id      string
		data    string
		created int64
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&id, &rev.Scene, &rev.Entities, &rev.Checksum, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return rev, notFound(fmt.Sprint(arg))
	}
	if err != nil {
		return rev, fmt.Errorf("load scene revision: %w", err)
	}
	if rev.ID, err = uuid.Parse(id); err != nil {
		return rev, fmt.Errorf("load scene revision: %w", err)
	}
	rev.Data = []byte(data)
	rev.CreatedAt = time.UnixMilli(created).UTC()
	return rev, nil
}

func (r *SQLiteSceneRepo) List(ctx context.Context) ([]SceneRevision, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.scene, r.entities, r.checksum, r.created_at
		 FROM scene_revisions r
		 WHERE r.revision = (SELECT MAX(revision) FROM scene_revisions WHERE scene = r.scene)
		 ORDER BY r.scene`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var out []SceneRevision
	for rows.Next() {
		var (
			rev     SceneRevision
			id      string
			created int64
		)
		if err := rows.Scan(&id, &rev.Scene, &rev.Entities, &rev.Checksum, &created); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		if rev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		rev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (r *SQLiteSceneRepo) Prune(ctx context.Context, scene string, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scene_revisions
		 WHERE scene = ? AND revision NOT IN (
		   SELECT revision FROM scene_revisions WHERE scene = ?
		   ORDER BY revision DESC LIMIT ?)`, scene, scene, keep)
	if err != nil {
		return 0, fmt.Errorf("prune scene %s: %w", scene, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteSceneRepo) Delete(ctx context.Context, scene string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scene_revisions WHERE scene = ?`, scene)
	if err != nil {
		return 0, fmt.Errorf("delete scene %s: %w", scene, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteSceneRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
