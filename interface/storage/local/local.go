package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/google/uuid"
)

// Store implements service.ObjectStore on the local filesystem.
// Useful for development and testing.
type Store struct {
	BaseDir string
}

// New creates a Store rooted at the given directory
func New(baseDir string) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("local.New: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local.New.MkdirAll: %w", err)
	}
	return &Store{BaseDir: abs}, nil
}

// URI of the store
func (s *Store) URI() string {
	return s.BaseDir
}

func (s *Store) path(key string) string {
	return filepath.Join(s.BaseDir, filepath.FromSlash(key))
}

// Exists implements service.ObjectStore
func (s *Store) Exists(ctx context.Context, key string, expectedSize int64) (bool, error) {
	fi, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("local.Exists: %w", err)
	}
	return service.CheckSize(ctx, s, key, fi.Size(), expectedSize)
}

// copyFile copies src to dst through a temporary file, so that dst is never partially written
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := dst + "." + uuid.New().String()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Upload implements service.ObjectStore
func (s *Store) Upload(ctx context.Context, localFile, key string) error {
	if err := copyFile(localFile, s.path(key)); err != nil {
		return fmt.Errorf("local.Upload(%s): %w", key, err)
	}
	return nil
}

// Download implements service.ObjectStore
func (s *Store) Download(ctx context.Context, key, localFile string) error {
	if _, err := os.Stat(s.path(key)); os.IsNotExist(err) {
		return service.ErrKeyNotFound{Key: key}
	}
	if err := copyFile(s.path(key), localFile); err != nil {
		return fmt.Errorf("local.Download(%s): %w", key, err)
	}
	return nil
}

// Delete implements service.ObjectStore
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local.Delete(%s): %w", key, err)
	}
	return nil
}

// PresignedURL implements service.ObjectStore: file url of the key (expires is ignored)
func (s *Store) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(s.path(key))}
	return u.String(), nil
}
