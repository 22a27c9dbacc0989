package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/asanasync/internal/api"
	"github.com/antigravity-dev/asanasync/internal/config"
	"github.com/antigravity-dev/asanasync/internal/health"
	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/scheduler"
	"github.com/antigravity-dev/asanasync/internal/temporal"
)

const shutdownWait = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	rt, err := loadEnv()
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger
	cfg := rt.mgr.Get()

	lockFile, err := health.AcquireFlock(config.ExpandHome(cfg.General.LockFile))
	if err != nil {
		return err
	}
	defer health.ReleaseFlock(lockFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, rt.mgr, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		applySchedule func(model.SyncConfig)
		temporalClient client.Client
	)
	if cfg.Temporal.Enabled {
		temporalClient, err = temporal.Dial(cfg.Temporal, logger.With("component", "temporal"))
		if err != nil {
			return err
		}
		defer temporalClient.Close()

		acts := &temporal.Activities{Runner: a.orch}
		go func() {
			if err := temporal.StartWorker(ctx, temporalClient, cfg.Temporal.TaskQueue, acts, logger); err != nil {
				logger.Error("temporal worker failed", "error", err)
			}
		}()

		trigger := temporal.NewScheduleTrigger(temporalClient.ScheduleClient(), cfg.Temporal, logger)
		applySchedule = func(sc model.SyncConfig) {
			if err := trigger.Apply(ctx, sc); err != nil {
				logger.Error("failed to apply temporal sync schedule", "error", err)
			}
		}
	} else {
		sched := scheduler.New(a.orch, a.store, a.defaults, logger)
		go sched.Run(ctx)
		applySchedule = func(model.SyncConfig) { sched.Reschedule() }
	}

	// Reconcile the trigger with whatever row is in the store right now.
	if sc, err := a.store.GetSyncConfig(ctx, a.defaults()); err != nil {
		logger.Error("failed to read sync config", "error", err)
	} else {
		applySchedule(sc)
	}

	srv := api.NewServer(api.Options{
		Bind:           cfg.API.Bind,
		Security:       cfg.API.Security,
		Orchestrator:   a.orch,
		Store:          a.store,
		Defaults:       a.defaults,
		OnConfigChange: applySchedule,
		Logger:         logger.With("component", "api"),
	})
	defer srv.Close()
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	// A reload can change file defaults, which matter while no row is saved.
	onReload := func(c *config.Config) {
		logLevel.Set(parseLevel(c.General.LogLevel))
		sc, err := a.store.GetSyncConfig(ctx, c.SyncDefaults())
		if err != nil {
			logger.Error("failed to read sync config after reload", "error", err)
			return
		}
		applySchedule(sc)
	}
	go func() {
		if err := config.Watch(ctx, flagConfig, rt.mgr, logger, onReload); err != nil {
			logger.Warn("config watcher disabled", "error", err)
		}
	}()

	logger.Info("asanasync started",
		"bind", cfg.API.Bind,
		"state_db", cfg.General.StateDB,
		"temporal", cfg.Temporal.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := rt.mgr.Reload(flagConfig); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
			onReload(rt.mgr.Get())
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			if a.orch.Cancel() {
				logger.Info("cancelling active sync run")
				waitIdle(a.orch.Running, shutdownWait)
			}
			cancel()
			logger.Info("asanasync stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return nil
		}
	}
}

// waitIdle polls running until it reports false or limit elapses.
func waitIdle(running func() bool, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for running() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true
}
