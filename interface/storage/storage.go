package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/airbusgeo/landsat-ingester/interface/storage/gcs"
	"github.com/airbusgeo/landsat-ingester/interface/storage/local"
	"github.com/airbusgeo/landsat-ingester/interface/storage/s3"
	"github.com/airbusgeo/landsat-ingester/service"
)

// S3Options configures the s3:// stores
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// New returns the ObjectStore of the uri: s3://bucket, gs://bucket or a local directory
func New(ctx context.Context, uri string, opts S3Options) (service.ObjectStore, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		s, err := s3.New(ctx, s3.Config{
			Bucket:    bucketName(uri, "s3://"),
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(uri, "gs://"):
		s, err := gcs.New(ctx, bucketName(uri, "gs://"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.Contains(uri, "://"):
		return nil, fmt.Errorf("storage.New: unsupported uri: %s", uri)
	case uri == "":
		return nil, fmt.Errorf("storage.New: uri is not defined")
	}
	s, err := local.New(uri)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func bucketName(uri, scheme string) string {
	return strings.TrimSuffix(strings.TrimPrefix(uri, scheme), "/")
}
