package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGSceneRepo stores scene revisions in PostgreSQL.
type PGSceneRepo struct {
	db *DB
}

func NewPGSceneRepo(db *DB) *PGSceneRepo {
	return &PGSceneRepo{db: db}
}

func (r *PGSceneRepo) Save(ctx context.Context, rev SceneRevision) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO scene_revisions (id, scene, entities, checksum, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rev.ID.String(), rev.Scene, rev.Entities, rev.Checksum, string(rev.Data), rev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scene revision: %w", err)
	}
	return nil
}

func (r *PGSceneRepo) Latest(ctx context.Context, scene string) (SceneRevision, error) {
	return r.one(ctx,
		`SELECT id::text, scene, entities, checksum, data, created_at
		 FROM scene_revisions WHERE scene = $1
		 ORDER BY revision DESC LIMIT 1`, scene)
}

func (r *PGSceneRepo) Revision(ctx context.Context, id uuid.UUID) (SceneRevision, error) {
	return r.one(ctx,
		`SELECT id::text, scene, entities, checksum, data, created_at
		 FROM scene_revisions WHERE id = $1::uuid`, id.String())
}

func (r *PGSceneRepo) one(ctx context.Context, query string, arg any) (SceneRevision, error) {
	var (
		rev  SceneRevision
		id   string
		data string
	)
	err := r.db.Pool.QueryRow(ctx, query, arg).Scan(&id, &rev.Scene, &rev.Entities, &rev.Checksum, &data, &rev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rev, notFound(fmt.Sprint(arg))
	}
	if err != nil {
		return rev, fmt.Errorf("load scene revision: %w", err)
	}
	if rev.ID, err = uuid.Parse(id); err != nil {
		return rev, fmt.Errorf("load scene revision: %w", err)
	}
	rev.Data = []byte(data)
	return rev, nil
}

func (r *PGSceneRepo) List(ctx context.Context) ([]SceneRevision, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT r.id::text, r.scene, r.entities, r.checksum, r.created_at
		 FROM scene_revisions r
		 WHERE r.revision = (SELECT MAX(revision) FROM scene_revisions WHERE scene = r.scene)
		 ORDER BY r.scene`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var out []SceneRevision
	for rows.Next() {
		var rev SceneRevision
		var id string
		if err := rows.Scan(&id, &rev.Scene, &rev.Entities, &rev.Checksum, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		if rev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (r *PGSceneRepo) Prune(ctx context.Context, scene string, keep int) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM scene_revisions
		 WHERE scene = $1 AND revision NOT IN (
		   SELECT revision FROM scene_revisions WHERE scene = $1
		   ORDER BY revision DESC LIMIT $2)`, scene, keep)
	if err != nil {
		return 0, fmt.Errorf("prune scene %s: %w", scene, err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGSceneRepo) Delete(ctx context.Context, scene string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM scene_revisions WHERE scene = $1`, scene)
	if err != nil {
		return 0, fmt.Errorf("delete scene %s: %w", scene, err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (r *PGSceneRepo) Close() error {
	r.db.Close()
	return nil
}
