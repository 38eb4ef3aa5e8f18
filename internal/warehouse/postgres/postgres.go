// Package postgres connects the chat warehouse to any server speaking the
// Postgres wire protocol through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/duckchat/internal/warehouse"
)

const applicationName = "duckchat"

type Config struct {
	DSN      string
	RowLimit int
	// ReadOnly opens every session with default_transaction_read_only so the
	// server rejects writes that slip past the statement guard.
	ReadOnly        bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// New validates the DSN eagerly and defers dialing to the first query.
func New(cfg Config) (*warehouse.DB, error) {
	if _, err := connConfig(cfg); err != nil {
		return nil, err
	}
	return warehouse.NewDB(func(ctx context.Context) (*sql.DB, error) {
		return Open(ctx, cfg)
	}, warehouse.Options{RowLimit: cfg.RowLimit}), nil
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	cc, err := connConfig(cfg)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*cc)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return db, nil
}

func connConfig(cfg Config) (*pgx.ConnConfig, error) {
	if cfg.DSN == "" {
		return nil, errors.New("warehouse dsn is required")
	}
	cc, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}
	if _, ok := cc.RuntimeParams["application_name"]; !ok {
		cc.RuntimeParams["application_name"] = applicationName
	}
	if cfg.ReadOnly {
		cc.RuntimeParams["default_transaction_read_only"] = "on"
	}
	return cc, nil
}
