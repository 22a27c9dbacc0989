package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/asanasync/internal/config"
	"github.com/antigravity-dev/asanasync/internal/health"
	"github.com/antigravity-dev/asanasync/internal/model"
	"github.com/antigravity-dev/asanasync/internal/store"
	"github.com/antigravity-dev/asanasync/internal/syncer"
)

const statusProbeTimeout = 2 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one full sync in the foreground",
		Long: `Run one full sync in the foreground and exit. Interrupting the command
cancels the run cooperatively. Exits non-zero unless the run completed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv()
			if err != nil {
				return err
			}
			defer rt.Close()

			lockFile, err := health.AcquireFlock(config.ExpandHome(rt.mgr.Get().General.LockFile))
			if err != nil {
				return err
			}
			defer health.ReleaseFlock(lockFile)

			ctx := context.Background()
			a, err := newApp(ctx, rt.mgr, rt.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := foregroundRun(ctx, a.orch, rt.logger)
			if run != nil {
				if flagJSON {
					outputJSON(run)
				} else {
					printRun(run)
				}
			}
			if err != nil {
				return err
			}
			if run.Status != model.RunCompleted {
				return fmt.Errorf("sync run %d ended %s", run.ID, run.Status)
			}
			return nil
		},
	}
}

type runStarter interface {
	Start(ctx context.Context, trigger model.Trigger) (*syncer.Handle, error)
	Cancel() bool
}

// foregroundRun starts a CLI run and waits for it, turning SIGINT or SIGTERM
// into a cooperative cancel.
func foregroundRun(ctx context.Context, orch runStarter, logger *slog.Logger) (*model.SyncRun, error) {
	h, err := orch.Start(ctx, model.TriggerCLI)
	if err != nil {
		return nil, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-h.Done():
	case sig := <-sigCh:
		logger.Info("received signal, cancelling sync run", "signal", sig, "run_id", h.RunID)
		orch.Cancel()
	}

	run, err := h.Wait()
	if err != nil && syncer.IsCancelled(err) {
		err = nil
	}
	return run, err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a sync is running and the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return fmt.Errorf("load config %s: %w", flagConfig, err)
			}

			st, live := probeStatus(cmd.Context(), cfg.API.Bind)
			if !live {
				st, err = storeStatus(cmd.Context(), cfg)
				if err != nil {
					return err
				}
			}

			if flagJSON {
				return outputJSON(st)
			}
			if live {
				fmt.Printf("Server: up (%s)\n", cfg.API.Bind)
			} else if pid := health.LockHolder(config.ExpandHome(cfg.General.LockFile)); pid > 0 {
				fmt.Printf("Server: API unreachable, lock held by pid %d\n", pid)
			} else {
				fmt.Println("Server: not running")
			}
			fmt.Printf("Sync running: %t\n", st.Running)
			if p := st.Progress; p != nil && st.Running {
				fmt.Printf("Stage: %s (batch %d/%d)\n", p.Stage, p.Batch, p.Batches)
				fmt.Printf("Progress: %s\n", formatCounts(p.Counts))
			}
			if st.LastRun != nil {
				fmt.Println("Last run:")
				printRun(st.LastRun)
			} else {
				fmt.Println("Last run: none")
			}
			return nil
		},
	}
}

// probeStatus asks a running server for its status. live is false when no
// server answered.
func probeStatus(ctx context.Context, bind string) (st syncer.Status, live bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+bind+"/sync/status", nil)
	if err != nil {
		return st, false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, false
	}
	if err := decodeJSON(resp, &st); err != nil {
		return st, false
	}
	return st, true
}

// storeStatus reads the last terminal run straight from the database.
func storeStatus(ctx context.Context, cfg *config.Config) (syncer.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := store.Open(config.ExpandHome(cfg.General.StateDB))
	if err != nil {
		return syncer.Status{}, fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	last, err := s.LatestTerminalRun(ctx)
	if err != nil {
		return syncer.Status{}, err
	}
	return syncer.Status{LastRun: last}, nil
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return fmt.Errorf("load config %s: %w", flagConfig, err)
			}
			s, err := store.Open(config.ExpandHome(cfg.General.StateDB))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			runs, err := s.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(runs)
			}
			return printRuns(os.Stdout, runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")
	return cmd
}
