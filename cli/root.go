// Package cli holds the cobra commands of kusto-pinger.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/config"
	"github.com/mdrakiburrahman/kusto-pinger/logger"
	"github.com/mdrakiburrahman/kusto-pinger/storage"
)

// NewRootCommand builds the command tree. Each call returns fresh flags, so
// tests can execute it repeatedly.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "kusto-pinger",
		Short: "Watch external table query acceleration across Kusto clusters",
		Long: `kusto-pinger polls one or more Azure Data Explorer clusters for
external table query acceleration statistics, keeps a rolling history of
every sample and shows it in a terminal dashboard, a web page or the log.

Targets are "endpoint:database" or "endpoint:database:name", for example:
  kusto-pinger run --target https://help.kusto.windows.net:Samples`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default ./configs/config.yaml)")
	pf.StringSlice("target", nil, "monitoring target endpoint:database[:name], repeatable")
	pf.Int("interval", 30, "seconds between polling cycles")
	pf.Duration("retention", 168*time.Hour, "how long samples are kept")
	pf.Duration("timeout", 30*time.Second, "per-fetch deadline")
	pf.Int("concurrency", 1, "sources polled in parallel")
	pf.String("store-driver", "sqlite", "retention store: sqlite or duckdb")
	pf.String("db", "./data/samples.db", "retention store path")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-file", "./data/kusto-pinger.log", "log file while the terminal dashboard runs")
	pf.String("ui", "auto", "auto, tui, web or log")
	pf.String("listen", ":8080", "web UI listen address")
	pf.String("auth", "azcli", "token acquisition: azcli, token or none")
	pf.String("bastion", "", "SSH jump host (ssh config alias or [user@]host[:port])")

	root.AddCommand(
		newRunCommand(),
		newHistoryCommand(),
		newSourcesCommand(),
		newExportCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration with the command's flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

// openStore opens the configured retention store.
func openStore(cfg *config.Config, log *zap.Logger) (*storage.SQLStore, error) {
	store, err := storage.Open(cfg.Store.Driver, cfg.Store.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store %s: %w", cfg.Store.Driver, cfg.Store.Path, err)
	}
	return store, nil
}

// commandLogger logs to w for the read-only commands, which only need it for
// store diagnostics.
func commandLogger(cfg *config.Config, w io.Writer) (*logger.Logger, error) {
	log, err := logger.NewWithWriter(cfg.LogLevel, w)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	return log, nil
}
