package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/harvest/api-go/internal/blob"
	"github.com/example/harvest/api-go/internal/bundle"
	"github.com/example/harvest/api-go/internal/config"
	"github.com/example/harvest/api-go/internal/cron"
	"github.com/example/harvest/api-go/internal/httpapi"
	"github.com/example/harvest/api-go/internal/model"
	"github.com/example/harvest/api-go/internal/store"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db        *store.SQLite
	records   *store.Cached
	bundler   *bundle.Bundler
	scheduler *cron.Scheduler
	server    httpapi.Server
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "bundles.db")
	db, err := store.Open(cfg.DBDriver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open bundle store: %w", err)
	}
	records, err := store.NewCached(db, cfg.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bundle cache: %w", err)
	}

	blobStore := blob.LocalFS{Root: cfg.DataDir}
	harvester := &bundle.Harvester{
		Client:  &http.Client{Timeout: cfg.HTTPTimeout},
		BaseURL: cfg.SourceURL,
		Blobs:   blobStore,
		Logger:  logger.With("component", "harvester"),
	}
	bundler := &bundle.Bundler{
		Store:     records,
		Builder:   harvester,
		Artifacts: blobStore,
		Logger:    logger.With("component", "bundler"),
	}
	scheduler := &cron.Scheduler{
		Store:      db,
		Bundler:    bundler,
		Interval:   cfg.TickInterval,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger.With("component", "scheduler"),
	}

	logger.Info("bundle store opened", "path", dbPath, "driver", cfg.DBDriver, "cache", cfg.CacheSize)
	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		records:   records,
		bundler:   bundler,
		scheduler: scheduler,
		server: httpapi.Server{
			Blobs:        blobStore,
			Bundles:      records,
			Bundler:      bundler,
			BaseURL:      baseURL(cfg),
			StaleAfter:   cfg.StaleAfter,
			FetchTimeout: cfg.FetchTimeout,
			Logger:       logger.With("component", "httpapi"),
		},
	}, nil
}

// registerSeeds adds a pending record for every configured key that has none.
// Malformed keys are logged and skipped.
func (a *app) registerSeeds(ctx context.Context) error {
	created := 0
	for _, raw := range a.cfg.SeedKeys {
		key, err := model.NewBundleKey(raw)
		if err != nil {
			a.logger.Warn("skipping seed key", "key", raw, "error", err)
			continue
		}
		_, isNew, err := a.records.Register(ctx, key)
		if err != nil {
			return fmt.Errorf("register seed %s: %w", key, err)
		}
		if isNew {
			created++
		}
	}
	if len(a.cfg.SeedKeys) > 0 {
		a.logger.Info("seed keys registered", "configured", len(a.cfg.SeedKeys), "new", created)
	}
	return nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func baseURL(cfg config.Config) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	addr := cfg.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s", addr)
}
