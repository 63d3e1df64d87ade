package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/mdrakiburrahman/kusto-pinger/bastion"
	"github.com/mdrakiburrahman/kusto-pinger/collector"
	"github.com/mdrakiburrahman/kusto-pinger/config"
	"github.com/mdrakiburrahman/kusto-pinger/dashboard"
	"github.com/mdrakiburrahman/kusto-pinger/logger"
	"github.com/mdrakiburrahman/kusto-pinger/scheduler"
	"github.com/mdrakiburrahman/kusto-pinger/web"
)

func newRunCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the targets until interrupted",
		Long: `Poll every target once per interval, persist the samples and show the
retained history.

--ui auto picks the terminal dashboard when stdout is a terminal and plain
logging otherwise. --ui web serves the dashboard over HTTP on --listen.

Examples:
  kusto-pinger run --target https://mycluster.westus.kusto.windows.net:MyDb
  kusto-pinger run --ui web --listen :9090
  kusto-pinger run --once --ui log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireTargets(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPinger(ctx, cfg, cmd.OutOrStdout(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single polling cycle and exit")
	return cmd
}

// resolveUI turns "auto" into "tui" or "log" depending on whether out is a
// terminal.
func resolveUI(ui string, out io.Writer) string {
	if ui != "auto" {
		return ui
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "tui"
	}
	return "log"
}

func runPinger(ctx context.Context, cfg *config.Config, out io.Writer, once bool) error {
	ui := resolveUI(cfg.UI, out)
	if once && ui == "tui" {
		ui = "log"
	}

	var (
		log *logger.Logger
		err error
	)
	if ui == "tui" {
		log, err = logger.NewFile(cfg.LogLevel, cfg.LogFile)
	} else {
		log, err = logger.NewWithWriter(cfg.LogLevel, out)
	}
	if err != nil {
		return fmt.Errorf("set up logger: %w", err)
	}
	defer log.Flush()

	log.Logger.Info("starting kusto-pinger",
		zap.String("version", version),
		zap.Int("targets", len(cfg.Targets)),
		zap.Duration("interval", cfg.PollInterval()),
		zap.Duration("retention", cfg.Retention),
		zap.String("store", cfg.Store.Driver+":"+cfg.Store.Path),
		zap.String("ui", ui))

	store, err := openStore(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := collector.Options{
		Auth:      cfg.Auth,
		Timeout:   cfg.Timeout,
		UserAgent: "kusto-pinger/" + version,
	}
	if cfg.Bastion.Enabled() {
		settings, err := bastion.Resolve(cfg.Bastion, bastion.DefaultSSHConfig())
		if err != nil {
			return err
		}
		tunnel := bastion.New(settings, log.Logger)
		defer tunnel.Close()
		opts.Dialer = tunnel
	}
	kusto, err := collector.NewKustoCollector(opts, log.Logger)
	if err != nil {
		return err
	}
	defer kusto.Close()

	schedOpts := scheduler.Options{
		Interval:    cfg.PollInterval(),
		Retention:   cfg.Retention,
		Concurrency: cfg.Concurrency,
	}
	logSink := scheduler.LogSink{Log: log.Logger}

	if once {
		sched := scheduler.New(cfg.Targets, kusto, store, logSink, schedOpts, log.Logger)
		return sched.RunCycle(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var sched *scheduler.Scheduler
	switch ui {
	case "tui":
		dash := dashboard.New(cfg.Targets, cfg.PollInterval())
		sched = scheduler.New(cfg.Targets, kusto, store, dash, schedOpts, log.Logger)
		g.Go(func() error {
			// Quitting the dashboard stops polling.
			defer cancel()
			return dash.Run(ctx)
		})
	case "web":
		srv := web.NewServer(cfg.Targets, web.Options{
			Addr:    cfg.Listen,
			Refresh: cfg.PollInterval(),
			Stats:   func() scheduler.Stats { return sched.Stats() },
		}, log.Logger)
		sched = scheduler.New(cfg.Targets, kusto, store, scheduler.Tee(srv, logSink), schedOpts, log.Logger)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	default:
		sched = scheduler.New(cfg.Targets, kusto, store, logSink, schedOpts, log.Logger)
	}
	g.Go(func() error { return sched.Run(ctx) })

	err = g.Wait()
	log.Logger.Info("kusto-pinger stopped", zap.Int64("cycles", sched.Stats().Cycles))
	return err
}
