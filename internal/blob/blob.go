// Package blob wraps the object store that holds uploaded files.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("blob not found")

// Metadata is what the store itself reports for an object. It is the only
// trusted source of an upload's size and type.
type Metadata struct {
	Size        int64
	ContentType string
}

type Store interface {
	GenerateUploadURL(ctx context.Context, storageID string) (string, error)
	URL(ctx context.Context, storageID string) (string, error)
	Stat(ctx context.Context, storageID string) (Metadata, error)
	Delete(ctx context.Context, storageID string) error
}

type Options struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
	UploadURLTTL   time.Duration
	DownloadURLTTL time.Duration
}

type MinioStore struct {
	client      *minio.Client
	bucket      string
	uploadTTL   time.Duration
	downloadTTL time.Duration
}

func NewMinioStore(opts Options) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	uploadTTL := opts.UploadURLTTL
	if uploadTTL <= 0 {
		uploadTTL = 15 * time.Minute
	}
	downloadTTL := opts.DownloadURLTTL
	if downloadTTL <= 0 {
		downloadTTL = time.Hour
	}
	return &MinioStore{
		client:      client,
		bucket:      opts.Bucket,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) GenerateUploadURL(ctx context.Context, storageID string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, storageID, s.uploadTTL)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

// URL presigns a download. A missing object is ErrNotFound rather than a
// link that would 404.
func (s *MinioStore) URL(ctx context.Context, storageID string) (string, error) {
	if _, err := s.Stat(ctx, storageID); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, storageID, s.downloadTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

func (s *MinioStore) Stat(ctx context.Context, storageID string) (Metadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, storageID, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("stat object: %w", err)
	}
	return Metadata{Size: info.Size, ContentType: info.ContentType}, nil
}

// Delete is idempotent.
func (s *MinioStore) Delete(ctx context.Context, storageID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, storageID, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
