package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/antigravity-dev/asanasync/internal/asana"
	"github.com/antigravity-dev/asanasync/internal/attachments"
	"github.com/antigravity-dev/asanasync/internal/config"
	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/ratelimit"
	"github.com/antigravity-dev/asanasync/internal/store"
	"github.com/antigravity-dev/asanasync/internal/syncer"
)

// app holds the long-lived components shared by serve and run.
type app struct {
	cfg    *guardedManager
	store  *store.Store
	orch   *syncer.Orchestrator
	logger *slog.Logger
}

// defaults returns the sync row defaults from the live file config.
func (a *app) defaults() model.SyncConfig {
	return a.cfg.Get().SyncDefaults()
}

// newApp opens the store and builds the orchestrator. Runs left Running by a
// previous process are marked Failed before anything else touches the store.
func newApp(ctx context.Context, mgr *guardedManager, logger *slog.Logger) (*app, error) {
	cfg := mgr.Get()

	token := cfg.Asana.ResolveToken()
	if token == "" {
		return nil, fmt.Errorf("no asana token: set asana.token or the variable named by asana.token_env")
	}

	st, err := store.Open(config.ExpandHome(cfg.General.StateDB))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	interrupted, err := st.InterruptRunningRuns(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("interrupt stale runs: %w", err)
	}
	if interrupted > 0 {
		logger.Warn("marked interrupted runs as failed", "count", interrupted)
	}

	limiter := ratelimit.New(cfg.Asana.RequestsPerMinute, cfg.Asana.MaxConcurrent,
		ratelimit.WithLogger(logger.With("component", "ratelimit")))

	client := asana.New(asana.Options{
		BaseURL:    cfg.Asana.BaseURL,
		Token:      token,
		PageSize:   cfg.Asana.PageSize,
		HTTPClient: &http.Client{Timeout: cfg.Asana.RequestTimeout.Duration},
		Limiter:    limiter,
		Logger:     logger.With("component", "asana"),
	})

	a := &app{cfg: mgr, store: st, logger: logger}
	a.orch = syncer.New(syncer.Options{
		API:         client,
		Store:       st,
		Downloaders: a.downloader,
		BatchSize:   cfg.Sync.BatchSize,
		Defaults:    a.defaults,
		Logger:      logger.With("component", "syncer"),
	})
	return a, nil
}

// downloader builds the attachment store for one run from that run's row.
func (a *app) downloader(sc model.SyncConfig) syncer.Downloader {
	return attachments.New(attachments.Options{
		BasePath:           config.ExpandHome(sc.AttachmentBasePath),
		GenerateThumbnails: sc.GenerateThumbnails,
		ThumbnailMaxWidth:  sc.ThumbnailMaxWidth,
		HTTPClient:         &http.Client{Timeout: a.cfg.Get().Sync.DownloadTimeout.Duration},
		Logger:             a.logger.With("component", "attachments"),
	})
}

func (a *app) Close() error {
	return a.store.Close()
}
