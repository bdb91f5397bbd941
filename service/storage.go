package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/airbusgeo/landsat-ingester/service/log"
	"go.uber.org/zap"
)

// AnySize disables the size comparison of ObjectStore.Exists
const AnySize int64 = -1

// ErrKeyNotFound is returned by ObjectStore.Download when the key does not exist
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// IsKeyNotFound returns true if err is or wraps an ErrKeyNotFound
func IsKeyNotFound(err error) bool {
	var e ErrKeyNotFound
	return errors.As(err, &e)
}

// ObjectStore persists the artifacts of the scenes, addressed by storage keys (see common.StorageKey)
type ObjectStore interface {
	// Exists returns true if the key exists.
	// If expectedSize is not AnySize and the stored object has a different size,
	// the stale object is deleted and Exists returns false.
	Exists(ctx context.Context, key string, expectedSize int64) (bool, error)
	// Upload the local file to key
	Upload(ctx context.Context, localFile, key string) error
	// Download the key to the local file
	// Raise ErrKeyNotFound
	Download(ctx context.Context, key, localFile string) error
	// Delete the key
	Delete(ctx context.Context, key string) error
	// PresignedURL returns a temporary public URL of the key
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// CheckSize implements the size part of ObjectStore.Exists for the stores:
// it returns true if the sizes match, otherwise it deletes the key.
func CheckSize(ctx context.Context, s ObjectStore, key string, size, expectedSize int64) (bool, error) {
	if expectedSize == AnySize || size == expectedSize {
		return true, nil
	}
	log.Logger(ctx).Warn("stored size does not match the expected size, deleting key",
		zap.String("key", key), zap.Int64("size", size), zap.Int64("expected", expectedSize))
	if err := s.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("CheckSize.Delete(%s): %w", key, err)
	}
	return false, nil
}

// FileSize returns the size of a local file
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
