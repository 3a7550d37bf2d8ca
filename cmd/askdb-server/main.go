package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/api/uistatic"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/dataset"
	"github.com/askdb/askdb/internal/gateway"
	"github.com/askdb/askdb/internal/history"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/observability"
	duckdbstore "github.com/askdb/askdb/internal/query/duckdb"
	"github.com/askdb/askdb/internal/storage"
	fsstore "github.com/askdb/askdb/internal/storage/fs"
	s3store "github.com/askdb/askdb/internal/storage/s3"
)

func main() {
	// Optional .env next to the binary; real environment wins.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("askdb-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	store, err := duckdbstore.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	source, sourceKey, err := openSource(cfg)
	if err != nil {
		logger.Error("failed to initialize dataset source", slog.Any("error", err))
		os.Exit(1)
	}

	loader := &dataset.Loader{Store: store, Source: source, Logger: logger}
	cat := catalog.New(loader, store, sourceKey, cfg.Dataset.Table, cfg.Dataset.SampleRows)

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), time.Minute)
	descriptor, err := cat.Reload(loadCtx)
	cancelLoad()
	if err != nil {
		logger.Error("failed to load dataset", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("dataset ready",
		slog.String("table", descriptor.Table),
		slog.Int("columns", len(descriptor.Columns)),
		slog.Int64("rows", descriptor.RowCount),
	)

	translator, err := nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize translator", slog.Any("error", err))
		os.Exit(1)
	}

	questionGateway := gateway.New(translator, store, cat, logger, gateway.Config{
		MaxAttempts:  cfg.AI.MaxAttempts,
		RowLimit:     cfg.Gateway.RowLimit,
		QueryTimeout: cfg.Gateway.QueryTimeout,
	})

	historyStore, closeHistory, err := openHistory(cfg)
	if err != nil {
		logger.Error("failed to open history store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeHistory()

	deps := api.Dependencies{
		Logger:            logger,
		Catalog:           cat,
		Gateway:           questionGateway,
		QueryEngine:       store,
		History:           historyStore,
		HistoryLimit:      cfg.History.Limit,
		RowLimit:          cfg.Gateway.RowLimit,
		QueryTimeout:      cfg.Gateway.QueryTimeout,
		UI:                uistatic.Handler(),
		Readiness:         api.CombineReadinessChecks(api.CheckStore(store), api.CheckAIConfig(cfg)),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openSource picks the object store from the source URL: s3://bucket/key
// reads through MinIO, anything else is a local path.
func openSource(cfg config.Config) (storage.ObjectStore, string, error) {
	if strings.HasPrefix(cfg.Dataset.Source, "s3://") {
		bucket, key, err := s3store.SplitURL(cfg.Dataset.Source)
		if err != nil {
			return nil, "", err
		}
		store, err := s3store.New(s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			Bucket:          bucket,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UseSSL:          cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			return nil, "", err
		}
		return store, key, nil
	}
	return fsstore.New(), cfg.Dataset.Source, nil
}

func openHistory(cfg config.Config) (history.Store, func(), error) {
	if cfg.History.Driver == "off" {
		return history.Noop{}, func() {}, nil
	}
	repo, err := history.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return nil, nil, err
	}
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.Init(initCtx); err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}
