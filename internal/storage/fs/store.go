package fs

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/askdb/askdb/internal/storage"
)

// Store serves local files as dataset sources. Keys are filesystem paths.
type Store struct{}

func New() *Store {
	return &Store{}
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open file %q: %w", key, err)
	}
	return file, nil
}

func (s *Store) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	info, err := os.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat file %q: %w", key, err)
	}
	if info.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("source %q is a directory", key)
	}
	return storage.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}, nil
}
