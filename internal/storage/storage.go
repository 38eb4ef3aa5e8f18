// Package storage abstracts the object store holding parquet datasets mounted
// into the embedded warehouse and the parquet exports of query results.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
}

// ObjectStore is the subset of bucket operations duckchat needs: reading
// datasets, writing exports and probing reachability for readiness.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Ping(ctx context.Context) error
}

// Linker is implemented by stores that can hand out time-limited download
// links for objects they hold.
type Linker interface {
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
