// Package artifacts keeps rendered report files on the local file system.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/username/cryptotaxreports/src/models"
)

// Store persists artifacts under a key.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (models.ArtifactRef, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the storage key of one attempt's artifact. Keys are scoped by
// attempt so a superseded run never overwrites a newer one.
func Key(reportID string, attempt int, ext string) string {
	return fmt.Sprintf("reports/%s/%d/report.%s", reportID, attempt, ext)
}

// LocalStore writes artifacts below a root directory.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid artifact key %q", models.ErrValidation, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Put writes data atomically and returns its reference.
func (s *LocalStore) Put(ctx context.Context, key, contentType string, data []byte) (models.ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return models.ArtifactRef{}, err
	}
	p, err := s.path(key)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".artifact-*")
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return models.ArtifactRef{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("store artifact: %w", err)
	}

	sum := sha256.Sum256(data)
	return models.ArtifactRef{
		Format:      strings.TrimPrefix(path.Ext(key), "."),
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
	}, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}
