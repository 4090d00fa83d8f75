package service

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"AvatarVideo-server/config"
	"AvatarVideo-server/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// presignExpiry is the longest lifetime S3 accepts for a presigned GET.
const presignExpiry = 7 * 24 * time.Hour

// MinioStore keeps generated media in one bucket. Returned URLs are public
// when a domain is configured and presigned otherwise, so the lip-sync and
// video providers can fetch them.
type MinioStore struct {
	client  *minio.Client
	buckets bucketAPI
	bucket  string
	domain  string
	log     *logger.Logger

	bucketMu    sync.Mutex
	bucketReady bool
}

type bucketAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

func NewMinioStore(cfg config.Config, log *logger.Logger) (*MinioStore, error) {
	c := cfg.MinIO
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MinioStore{
		client:  client,
		buckets: client,
		bucket:  c.Bucket,
		domain:  strings.TrimRight(c.Domain, "/"),
		log:     log,
	}, nil
}

// ensureBucket creates the bucket on first use. Only success is remembered;
// a failed check is tried again by the next upload.
func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.buckets.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.buckets.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		s.log.Info("bucket created", "bucket", s.bucket)
	}
	s.bucketReady = true
	return nil
}

func (s *MinioStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeFor(path, contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	s.log.Debug("object uploaded", "path", path, "bytes", len(data))
	return s.URL(ctx, path)
}

func (s *MinioStore) UploadFile(ctx context.Context, path, localPath, contentType string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.FPutObject(ctx, s.bucket, path, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(path, contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	s.log.Debug("file uploaded", "path", path, "local", localPath)
	return s.URL(ctx, path)
}

func (s *MinioStore) Download(ctx context.Context, path, localPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, path, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}
	return nil
}

// URL returns the address of a stored object.
func (s *MinioStore) URL(ctx context.Context, path string) (string, error) {
	if s.domain != "" {
		return fmt.Sprintf("%s/%s/%s", s.domain, s.bucket, path), nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, path, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return u.String(), nil
}

// contentTypeFor falls back to the extension when no type is given.
func contentTypeFor(path, contentType string) string {
	if contentType != "" {
		return contentType
	}
	switch filepath.Ext(path) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}
