// Package s3storage mirrors package archives to an S3-compatible bucket and
// hands out presigned download links.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/donniecs/SunSCORM/internal/config"
)

// ErrNotConfigured is returned when no endpoint is set.
var ErrNotConfigured = errors.New("object storage not configured")

// Storage wraps the MinIO client for the package bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	if cfg.S3Endpoint == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region}, nil
}

// EnsureBucket creates the package bucket when missing.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Exists reports whether objectKey is already in the bucket.
func (s *Storage) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

// UploadArchive copies the local archive at path to objectKey.
func (s *Storage) UploadArchive(ctx context.Context, objectKey, path, fileName string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	opts := minio.PutObjectOptions{
		ContentType:        "application/zip",
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", fileName),
	}
	if _, err := s.client.PutObject(ctx, s.bucket, objectKey, f, info.Size(), opts); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	return nil
}

// PresignDownloadURL returns a signed GET URL for objectKey.
func (s *Storage) PresignDownloadURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign archive: %w", err)
	}
	return u.String(), nil
}
