package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/altapix/image-vault/pkg/imagevault"
)

// Store is a filesystem implementation of the imagevault.ObjectStore
// interface. Buckets map to subdirectories of the base directory.
type Store struct {
	baseDir string
}

// Config options for the filesystem store
type Config struct {
	BaseDir string // Base directory for storing objects
}

// New creates a new filesystem object store
func New(config Config) (*Store, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{baseDir: config.BaseDir}, nil
}

var _ imagevault.ObjectStore = (*Store)(nil)

func (s *Store) objectPath(bucket, key string) string {
	return filepath.Join(s.baseDir, bucket, filepath.FromSlash(key))
}

func (s *Store) Persist(ctx context.Context, bucket, key string, data []byte) (time.Time, error) {
	filePath := s.objectPath(bucket, key)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return time.Time{}, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return time.Time{}, &imagevault.StorageError{Bucket: bucket, Key: key, Op: "persist", Err: err}
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return time.Now().UTC(), nil
	}
	return info.ModTime().UTC(), nil
}

func (s *Store) Fetch(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.objectPath(bucket, key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &imagevault.StorageError{Bucket: bucket, Key: key, Op: "fetch", Err: err}
	}
	return data, true, nil
}

func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := os.Stat(s.objectPath(bucket, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &imagevault.StorageError{Bucket: bucket, Key: key, Op: "exists", Err: err}
	}
	return true, nil
}

// Delete removes an object. Missing keys are not errors.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	err := os.Remove(s.objectPath(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return &imagevault.StorageError{Bucket: bucket, Key: key, Op: "delete", Err: err}
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, bucket, key); err != nil {
			return err
		}
	}
	return nil
}
