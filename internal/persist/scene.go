package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/l1jgo/engine/internal/snapshot"
	"go.uber.org/zap"
)

// SceneRevision is one saved version of a scene. Data holds the YAML
// snapshot and is empty in List results.
type SceneRevision struct {
	ID        uuid.UUID
	Scene     string
	Entities  int
	Checksum  string
	Data      []byte
	CreatedAt time.Time
}

// SceneRepo stores scene revisions. Every save appends a revision; loads
// return the newest one.
type SceneRepo interface {
	Save(ctx context.Context, rev SceneRevision) error
	Latest(ctx context.Context, scene string) (SceneRevision, error)
	Revision(ctx context.Context, id uuid.UUID) (SceneRevision, error)
	// List returns the newest revision of every scene, without data.
	List(ctx context.Context) ([]SceneRevision, error)
	// Prune deletes all but the newest keep revisions of a scene.
	Prune(ctx context.Context, scene string, keep int) (int64, error)
	Delete(ctx context.Context, scene string) (int64, error)
	Close() error
}

// SceneStore implements snapshot.Store for one scene on top of a SceneRepo.
type SceneStore struct {
	repo  SceneRepo
	scene string
	keep  int
	log   *zap.Logger
}

func NewSceneStore(repo SceneRepo, scene string, keep int, log *zap.Logger) *SceneStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SceneStore{repo: repo, scene: scene, keep: keep, log: log}
}

func (s *SceneStore) SaveScene(ctx context.Context, entities []snapshot.SerializedEntity) error {
	data, err := snapshot.Encode(entities)
	if err != nil {
		return err
	}
	rev := SceneRevision{
		ID:        uuid.New(),
		Scene:     s.scene,
		Entities:  len(entities),
		Checksum:  snapshot.Checksum(data),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Save(ctx, rev); err != nil {
		return fmt.Errorf("save scene %s: %w", s.scene, err)
	}
	if s.keep > 0 {
		pruned, err := s.repo.Prune(ctx, s.scene, s.keep)
		if err != nil {
			s.log.Warn("prune scene revisions failed", zap.String("scene", s.scene), zap.Error(err))
		} else if pruned > 0 {
			s.log.Debug("pruned scene revisions", zap.String("scene", s.scene), zap.Int64("count", pruned))
		}
	}
	s.log.Info("scene saved",
		zap.String("scene", s.scene),
		zap.Stringer("revision", rev.ID),
		zap.Int("entities", rev.Entities))
	return nil
}

// LoadScene returns the newest revision, or an error wrapping
// snapshot.ErrNotFound when the scene was never saved.
func (s *SceneStore) LoadScene(ctx context.Context) ([]snapshot.SerializedEntity, error) {
	rev, err := s.repo.Latest(ctx, s.scene)
	if err != nil {
		return nil, err
	}
	return decodeRevision(rev)
}

// LoadRevision loads a specific revision regardless of scene.
func (s *SceneStore) LoadRevision(ctx context.Context, id uuid.UUID) ([]snapshot.SerializedEntity, error) {
	rev, err := s.repo.Revision(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeRevision(rev)
}

func decodeRevision(rev SceneRevision) ([]snapshot.SerializedEntity, error) {
	if err := snapshot.Verify(rev.Data, rev.Checksum); err != nil {
		return nil, fmt.Errorf("scene %s revision %s: %w", rev.Scene, rev.ID, err)
	}
	return snapshot.Decode(rev.Data)
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, snapshot.ErrNotFound)
}
