package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckchat/internal/storage"
	"github.com/duckmesh/duckchat/internal/warehouse"
)

// Dataset is a parquet object exposed to queries as a view named Table.
type Dataset struct {
	Table     string
	ObjectKey string
}

type Config struct {
	DSN      string
	RowLimit int
	Datasets []Dataset
	Store    storage.ObjectStore
}

// New returns a lazily opened DuckDB warehouse. Datasets are downloaded from
// the object store into a private work directory when the database is opened.
func New(cfg Config) (*warehouse.DB, error) {
	if len(cfg.Datasets) > 0 && cfg.Store == nil {
		return nil, fmt.Errorf("object store is required to mount datasets")
	}
	m := &mounter{cfg: cfg}
	return warehouse.NewDB(m.open, warehouse.Options{RowLimit: cfg.RowLimit, Closer: m.cleanup}), nil
}

// ParseDatasets parses "table=object/key.parquet,other=key2.parquet".
func ParseDatasets(raw string) ([]Dataset, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := map[string]struct{}{}
	datasets := make([]Dataset, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		table, key, ok := strings.Cut(part, "=")
		table, key = strings.TrimSpace(table), strings.TrimSpace(key)
		if !ok || table == "" || key == "" {
			return nil, fmt.Errorf("invalid dataset %q: want table=object_key", part)
		}
		if _, dup := seen[table]; dup {
			return nil, fmt.Errorf("duplicate dataset table %q", table)
		}
		seen[table] = struct{}{}
		datasets = append(datasets, Dataset{Table: table, ObjectKey: key})
	}
	return datasets, nil
}

type mounter struct {
	cfg     Config
	workDir string
}

func (m *mounter) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("duckdb", m.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if err := m.mountDatasets(ctx, db); err != nil {
		_ = db.Close()
		_ = m.cleanup()
		return nil, err
	}
	return db, nil
}

func (m *mounter) mountDatasets(ctx context.Context, db *sql.DB) error {
	if len(m.cfg.Datasets) == 0 {
		return nil
	}
	workDir, err := os.MkdirTemp("", "duckchat-datasets-")
	if err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	m.workDir = workDir

	for index, dataset := range m.cfg.Datasets {
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(dataset.Table), index))
		if _, err := fetchDataset(ctx, m.cfg.Store, dataset.ObjectKey, localPath); err != nil {
			return fmt.Errorf("fetch dataset %q: %w", dataset.ObjectKey, err)
		}

		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(dataset.Table), quoteString(localPath))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for dataset %q: %w", dataset.Table, err)
		}
	}
	return nil
}

func (m *mounter) cleanup() error {
	if m.workDir == "" {
		return nil
	}
	err := os.RemoveAll(m.workDir)
	m.workDir = ""
	return err
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
