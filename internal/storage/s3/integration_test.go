//go:build integration

package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/duckmesh/duckchat/internal/storage"
)

// Run with: go test -tags integration ./internal/storage/s3 against a local
// MinIO (DUCKCHAT_TEST_S3_ENDPOINT=localhost:9000).
func TestExportRoundTripAgainstMinIO(t *testing.T) {
	endpoint := os.Getenv("DUCKCHAT_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("DUCKCHAT_TEST_S3_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, Config{
		Endpoint:         endpoint,
		Region:           "us-east-1",
		Bucket:           "duckchat-it",
		AccessKeyID:      "minio",
		SecretAccessKey:  "miniostorage",
		Prefix:           "it",
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	key := "exports/it-session/result.parquet"
	payload := []byte("PAR1 duckchat PAR1")
	if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	body, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	link, err := store.DownloadURL(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("DownloadURL() error = %v", err)
	}
	resp, err := http.Get(link)
	if err != nil {
		t.Fatalf("GET presigned url error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET presigned url status = %d", resp.StatusCode)
	}
}
