package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duckmesh/duckchat/internal/api"
	"github.com/duckmesh/duckchat/internal/chat"
	"github.com/duckmesh/duckchat/internal/config"
	"github.com/duckmesh/duckchat/internal/export"
	"github.com/duckmesh/duckchat/internal/nl2sql"
	"github.com/duckmesh/duckchat/internal/observability"
	"github.com/duckmesh/duckchat/internal/storage"
	s3store "github.com/duckmesh/duckchat/internal/storage/s3"
	"github.com/duckmesh/duckchat/internal/warehouse"
	"github.com/duckmesh/duckchat/internal/warehouse/duckdb"
	"github.com/duckmesh/duckchat/internal/warehouse/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", slog.Any("error", err))
	}

	cfg, err := config.LoadFromEnv("duckchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Enabled {
		objectStore, err = s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	db, err := openWarehouse(cfg, objectStore)
	if err != nil {
		logger.Error("failed to configure warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	generator, err := newGenerator(cfg.AI)
	if err != nil {
		logger.Error("failed to initialize generator", slog.Any("error", err))
		os.Exit(1)
	}

	engine := &chat.Engine{
		Generator: generator,
		Executor:  db,
		Schema:    db,
		Config: chat.Config{
			TriggerToken:      cfg.Chat.TriggerToken,
			MaxRetries:        cfg.Chat.MaxRetries,
			DisableCorrection: cfg.Chat.MaxRetries == 0,
			Schema: warehouse.TableFilter{
				Schema:     cfg.Warehouse.Schema,
				Include:    cfg.Warehouse.IncludeTables,
				SampleRows: cfg.Warehouse.SampleRows,
			},
		},
		Logger: logger,
	}
	registry := &chat.Registry{
		MaxSessions: cfg.Chat.MaxSessions,
		IdleTTL:     cfg.Chat.SessionIdleTTL,
		Logger:      logger,
	}

	deps := api.Dependencies{
		Logger:   logger,
		Sessions: registry,
		Engine:   engine,
		Readiness: api.CombineReadinessChecks(
			api.CheckWarehouse(db),
			api.CheckObjectStore(objectStore),
		),
		DependencyTimeout: 5 * time.Second,
	}
	if objectStore != nil {
		deps.Exporter = &export.Exporter{Store: objectStore, Prefix: cfg.Export.Prefix, LinkTTL: cfg.Export.LinkTTL}
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		sweepInterval := cfg.Chat.SessionIdleTTL / 4
		if err := registry.Run(ctx, sweepInterval); err != nil {
			logger.Error("session sweeper stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("ai_provider", cfg.AI.Provider),
			slog.Bool("exports_enabled", deps.Exporter != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openWarehouse(cfg config.Config, objectStore storage.ObjectStore) (*warehouse.DB, error) {
	switch cfg.Warehouse.Driver {
	case config.WarehousePostgres:
		return postgres.New(postgres.Config{
			DSN:             cfg.Warehouse.DSN,
			RowLimit:        cfg.Warehouse.RowLimit,
			ReadOnly:        cfg.Warehouse.ReadOnly,
			MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
			MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
			ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		})
	case config.WarehouseDuckDB:
		datasets, err := duckdb.ParseDatasets(cfg.Warehouse.Datasets)
		if err != nil {
			return nil, err
		}
		return duckdb.New(duckdb.Config{
			DSN:      cfg.Warehouse.DSN,
			RowLimit: cfg.Warehouse.RowLimit,
			Datasets: datasets,
			Store:    objectStore,
		})
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Warehouse.Driver)
	}
}

func newGenerator(cfg config.AIConfig) (nl2sql.Generator, error) {
	providerConfig := nl2sql.OpenAIConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}
	switch cfg.Provider {
	case config.AIProviderLangChain:
		return nl2sql.NewLangChainGenerator(providerConfig)
	default:
		return nl2sql.NewOpenAIGenerator(providerConfig)
	}
}
