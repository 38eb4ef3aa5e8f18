package duckdb

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/duckchat/internal/storage"
)

// fetchDataset copies the object at key into a local file and checks that it
// parses as parquet, so a bad upload fails at mount time rather than on the
// first chat query. It returns the number of rows in the file.
func fetchDataset(ctx context.Context, store storage.ObjectStore, key, localPath string) (int64, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	size, err := io.Copy(file, body)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	pf, err := parquet.OpenFile(file, size)
	if err != nil {
		return 0, fmt.Errorf("not a parquet file: %w", err)
	}
	return pf.NumRows(), nil
}
