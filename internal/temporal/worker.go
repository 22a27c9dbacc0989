// Package temporal schedules sync runs through a Temporal Schedule.
package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/asanasync/internal/config"
)

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg config.Temporal, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// StartWorker runs the sync task-queue worker until ctx is done. At most one
// sync activity executes at a time.
func StartWorker(ctx context.Context, c client.Client, taskQueue string, acts *Activities, logger *slog.Logger) error {
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
	})

	w.RegisterWorkflow(SyncWorkflow)
	w.RegisterActivity(acts.SyncActivity)

	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	logger.Info("temporal worker started", "task_queue", taskQueue)

	<-ctx.Done()
	w.Stop()
	logger.Info("temporal worker stopped", "task_queue", taskQueue)
	return nil
}
