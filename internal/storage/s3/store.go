// Package s3 implements storage.ObjectStore on any S3-compatible endpoint
// through the minio client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/duckmesh/duckchat/internal/storage"
)

// MaxLinkTTL is the longest expiry S3 accepts for a presigned URL.
const MaxLinkTTL = 7 * 24 * time.Hour

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// Store scopes every key under an optional prefix inside a single bucket.
type Store struct {
	api    bucketAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	api, err := dialMinio(cfg)
	if err != nil {
		return nil, err
	}
	store, err := newStore(api, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(api bucketAPI, bucket, prefix string) (*Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &Store{api: api, bucket: bucket, prefix: storage.CleanPrefix(prefix)}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	cleaned, err := storage.NormalizeKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	full := s.withPrefix(cleaned)
	info, err := s.api.PutObject(ctx, s.bucket, full, body, size, opts.ContentType)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put s3://%s/%s: %w", s.bucket, full, err)
	}
	// Callers address objects without the store prefix.
	info.Key = cleaned
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	body, err := s.api.GetObject(ctx, s.bucket, full)
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, full, err)
	}
	return body, nil
}

// Ping reports an error unless the bucket exists and is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("probe bucket %q: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %q: %w", s.bucket, storage.ErrObjectNotFound)
	}
	return nil
}

// DownloadURL presigns a GET for key valid for ttl.
func (s *Store) DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxLinkTTL {
		return "", fmt.Errorf("link ttl %s out of range (0, %s]", ttl, MaxLinkTTL)
	}
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	u, err := s.api.PresignGet(ctx, s.bucket, full, ttl)
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", s.bucket, full, err)
	}
	return u.String(), nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	ok, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("probe bucket %q: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) resolve(key string) (string, error) {
	cleaned, err := storage.NormalizeKey(key)
	if err != nil {
		return "", err
	}
	return s.withPrefix(cleaned), nil
}

func (s *Store) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}
