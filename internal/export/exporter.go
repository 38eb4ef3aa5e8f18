// Package export writes tabular chat results to the object store as parquet.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/duckmesh/duckchat/internal/observability"
	"github.com/duckmesh/duckchat/internal/storage"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

// Exporter uploads results as parquet. When LinkTTL is positive and Store
// implements storage.Linker, each export also carries a presigned download URL.
type Exporter struct {
	Store   storage.ObjectStore
	Prefix  string
	LinkTTL time.Duration
	Clock   func() time.Time
}

type Result struct {
	Key      string
	Size     int64
	RowCount int64
	Columns  []string
	URL      string
}

// Export uploads result under the session's export prefix. sequence keeps
// keys unique for exports within the same millisecond.
func (e *Exporter) Export(ctx context.Context, sessionID string, sequence int, result warehouse.Result) (out Result, err error) {
	defer func() { observability.ObserveExport(err) }()

	if e.Store == nil {
		return Result{}, fmt.Errorf("object store is not configured")
	}
	clock := e.Clock
	if clock == nil {
		clock = time.Now
	}

	encoded, err := EncodeResultToParquet(result)
	if err != nil {
		return Result{}, fmt.Errorf("encode result to parquet: %w", err)
	}
	key, err := storage.BuildExportPath(e.Prefix, sessionID, clock(), sequence)
	if err != nil {
		return Result{}, fmt.Errorf("build export path: %w", err)
	}

	info, err := e.Store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return Result{}, fmt.Errorf("put parquet object: %w", err)
	}
	out = Result{
		Key:      info.Key,
		Size:     info.Size,
		RowCount: encoded.RowCount,
		Columns:  encoded.Columns,
	}
	if linker, ok := e.Store.(storage.Linker); ok && e.LinkTTL > 0 {
		out.URL, err = linker.DownloadURL(ctx, info.Key, e.LinkTTL)
		if err != nil {
			return Result{}, fmt.Errorf("sign download link for %q: %w", info.Key, err)
		}
	}
	return out, nil
}
