package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/antigravity-dev/asanasync/internal/config"
)

var (
	flagConfig string
	flagDev    bool
	flagJSON   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "asanasync",
		Short: "Mirror an Asana account into a local SQLite database",
		Long: `asanasync pulls users, workspaces, projects, tasks, stories and attachments
from the Asana API into a local SQLite mirror. It runs on a cron schedule
(in-process or through Temporal) and exposes an HTTP API to trigger,
cancel and observe sync runs.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "asanasync.toml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "use text log format (default is JSON)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cliEnv is the loaded config plus the logger built from it.
type cliEnv struct {
	mgr    *guardedManager
	sink   *logSink
	logger *slog.Logger
}

func loadEnv() (*cliEnv, error) {
	mgr, err := config.LoadManager(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flagConfig, err)
	}
	cfg := mgr.Get()
	sink := newLogSink(cfg.General.LogFile)
	logger := configureLogger(cfg.General.LogLevel, flagDev, sink)
	slog.SetDefault(logger)
	return &cliEnv{mgr: &guardedManager{mgr}, sink: sink, logger: logger}, nil
}

func (r *cliEnv) Close() {
	r.sink.Close()
}

func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
