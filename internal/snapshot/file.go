package snapshot

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

const checksumPrefix = "# blake2b-256: "

var (
	ErrChecksum = errors.New("snapshot checksum mismatch")
	ErrNotFound = errors.New("scene not found")
)

// Store saves and loads one named scene.
type Store interface {
	SaveScene(ctx context.Context, entities []SerializedEntity) error
	LoadScene(ctx context.Context) ([]SerializedEntity, error)
}

// Checksum returns the hex blake2b-256 digest of an encoded snapshot.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks data against a digest returned by Checksum.
func Verify(data []byte, checksum string) error {
	if got := Checksum(data); got != checksum {
		return fmt.Errorf("%w: have %s, want %s", ErrChecksum, got, checksum)
	}
	return nil
}

// Save encodes entities and writes them to path with a checksum header line.
// The file is written to a temporary name first and renamed into place.
func Save(path string, entities []SerializedEntity) error {
	body, err := Encode(entities)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(checksumPrefix)
	buf.WriteString(Checksum(body))
	buf.WriteByte('\n')
	buf.Write(body)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot file. When the file starts with a checksum header the
// body is verified against it; hand-written files without one are accepted.
func Load(path string) ([]SerializedEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if rest, ok := bytes.CutPrefix(data, []byte(checksumPrefix)); ok {
		line, body, _ := bytes.Cut(rest, []byte("\n"))
		if err := Verify(body, string(bytes.TrimSpace(line))); err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", path, err)
		}
		data = body
	}
	entities, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return entities, nil
}

// FileStore keeps a scene in a single YAML file.
type FileStore struct {
	Path string
}

func NewFileStore(dir, scene string) *FileStore {
	return &FileStore{Path: filepath.Join(dir, scene+".yaml")}
}

func (s *FileStore) SaveScene(ctx context.Context, entities []SerializedEntity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Save(s.Path, entities)
}

// LoadScene returns ErrNotFound when the file does not exist yet.
func (s *FileStore) LoadScene(ctx context.Context) ([]SerializedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.Path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", s.Path, ErrNotFound)
	}
	return Load(s.Path)
}
