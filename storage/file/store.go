// Package file provides a KeyValueStore keeping one file per key in a directory.
package file

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/storage"
)

const component = "storage/file"

// Store writes each value atomically through a temp file and rename.
type Store struct {
	dir    string
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

var _ storage.KeyValueStore = (*Store)(nil)

// New opens (creating if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, fmt.Errorf("create %s: %w", dir, err))
	}
	logger := logging.WithComponent(logging.Component(component)).Logger
	logger.Debug("File store opened", slog.String("dir", dir))
	return &Store{dir: dir, logger: logger}, nil
}

// keys may contain ':' and '/', so file names are hex encoded
func (s *Store) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+".json")
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err).WithMetadata("key", key)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpPersist, err).WithMetadata("key", key)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpPersist, err).WithMetadata("key", key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpPersist, err).WithMetadata("key", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpPersist, err).WithMetadata("key", key)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return syncErrors.NewStorageError(syncErrors.OpPersist, err).WithMetadata("key", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return syncErrors.NewStorageError(syncErrors.OpPersist, err).WithMetadata("key", key)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
