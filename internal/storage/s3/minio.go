package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/duckmesh/duckchat/internal/storage"
)

// bucketAPI is the slice of the minio client the store depends on.
type bucketAPI interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (*url.URL, error)
}

type minioAPI struct {
	c *minio.Client
}

func dialMinio(cfg Config) (*minioAPI, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	c, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &minioAPI{c: c}, nil
}

// splitEndpoint accepts either a bare host[:port] or a URL. An https scheme
// forces TLS regardless of useSSL.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		useSSL = true
	case "http":
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", false, errors.New("endpoint host is required")
	}
	return u.Host, useSSL, nil
}

func (m *minioAPI) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	info, err := m.c.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.ObjectInfo{}, translateErr(err)
	}
	return storage.ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}

// GetObject stats the object before handing it out so a missing key surfaces
// here instead of on the first Read.
func (m *minioAPI) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.c.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateErr(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateErr(err)
	}
	return obj, nil
}

func (m *minioAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := m.c.BucketExists(ctx, bucket)
	return ok, translateErr(err)
}

func (m *minioAPI) MakeBucket(ctx context.Context, bucket, region string) error {
	return translateErr(m.c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func (m *minioAPI) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (*url.URL, error) {
	u, err := m.c.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	return u, translateErr(err)
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %v", storage.ErrObjectNotFound, err)
	}
	return err
}
