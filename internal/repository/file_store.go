package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/google/uuid"
)

// FileObjectStore writes each export payload to its own file under dir.
// Handles are bare file names.
type FileObjectStore struct {
	dir string
}

func NewFileObjectStore(dir string) (*FileObjectStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileObjectStore{dir: dir}, nil
}

func (s *FileObjectStore) Store(_ context.Context, data []byte) (string, error) {
	handle := uuid.New().String()
	tmp := filepath.Join(s.dir, handle+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, handle)); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return handle, nil
}

func (s *FileObjectStore) Load(_ context.Context, handle string) ([]byte, error) {
	if _, err := uuid.Parse(handle); err != nil {
		return nil, service.ErrArtifactNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, handle))
	if errors.Is(err, os.ErrNotExist) {
		return nil, service.ErrArtifactNotFound
	}
	return data, err
}

// Sweep removes payloads written more than olderThan ago and returns how many
// were deleted.
func (s *FileObjectStore) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
