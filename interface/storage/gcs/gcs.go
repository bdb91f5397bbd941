package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/landsat-ingester/service"
	"github.com/airbusgeo/landsat-ingester/service/log"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

// Store implements service.ObjectStore on a Google Cloud Storage bucket
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed ObjectStore using the default credentials
func New(ctx context.Context, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs.New: bucket is not defined")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs.New.NewClient: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// URI of the bucket
func (s *Store) URI() string {
	return "gs://" + s.bucket
}

func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// Exists implements service.ObjectStore
func (s *Store) Exists(ctx context.Context, key string, expectedSize int64) (bool, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("gcs.Exists(%s): %w", key, err)
	}
	return service.CheckSize(ctx, s, key, attrs.Size, expectedSize)
}

// Upload implements service.ObjectStore
func (s *Store) Upload(ctx context.Context, localFile, key string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("gcs.Upload.Open: %w", err)
	}
	defer f.Close()
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("gcs.Upload.Copy(%s): %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs.Upload.Close(%s): %w", key, err)
	}
	log.Logger(ctx).Debug("uploaded", zap.String("key", key), zap.String("bucket", s.bucket))
	return nil
}

// Download implements service.ObjectStore
func (s *Store) Download(ctx context.Context, key, localFile string) error {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if isNotFound(err) {
			return service.ErrKeyNotFound{Key: key}
		}
		return fmt.Errorf("gcs.Download.NewReader(%s): %w", key, err)
	}
	defer r.Close()
	f, err := os.Create(localFile)
	if err != nil {
		return fmt.Errorf("gcs.Download.Create: %w", err)
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localFile)
		return fmt.Errorf("gcs.Download.Copy(%s): %w", key, err)
	}
	return nil
}

// Delete implements service.ObjectStore
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("gcs.Delete(%s): %w", key, err)
	}
	return nil
}

// PresignedURL implements service.ObjectStore
func (s *Store) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(expires),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("gcs.PresignedURL(%s): %w", key, err)
	}
	return url, nil
}
