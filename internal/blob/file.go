package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alibi-app/alibi/internal/fingerprint"
)

// FileStore keeps blobs as files in a local directory, fanned out by the
// first two hex characters of the fingerprint.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, log: log}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (Locator, error) {
	loc := LocatorFor(fingerprint.Compute(data))
	path, err := s.path(loc)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		s.log.Debug("blob already stored", slog.String("locator", loc.String()))
		return loc, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temp file and rename so readers never observe partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	s.log.Debug("stored blob",
		slog.String("locator", loc.String()),
		slog.Int("size", len(data)))

	return loc, nil
}

func (s *FileStore) Get(ctx context.Context, loc Locator) ([]byte, error) {
	path, err := s.path(loc)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, loc Locator) error {
	path, err := s.path(loc)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) Available(ctx context.Context) bool {
	if _, err := os.Stat(s.baseDir); err != nil {
		s.log.Debug("file blob store unavailable", "err", err)
		return false
	}
	return true
}

func (s *FileStore) Name() string {
	return "file:" + s.baseDir
}

func (s *FileStore) path(loc Locator) (string, error) {
	key, err := loc.key()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, key[:2], key), nil
}
