package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rahul/retailpipe/internal/health"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/orchestrator"
	"github.com/rahul/retailpipe/internal/statusapi"
	"github.com/rahul/retailpipe/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "retailpipe",
		Short:         "Runs the retail sales pipeline on a schedule and monitors every run",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RETAILPIPE_CONFIG"), "path to a YAML or JSON config file")

	load := func() (*config.Config, error) {
		return config.LoadConfig(configPath)
	}

	root.AddCommand(
		newRunCmd(load),
		newOnceCmd(load),
		newHealthCmd(load),
		newHistoryCmd(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

// shutdownContext is cancelled on the first SIGINT or SIGTERM. A running
// cycle still finishes; default handling is restored so a second signal
// kills the process.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

func newRunCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline now and then on every interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	interactive := observability.IsInteractive()
	if interactive {
		observability.PrintBanner(out, version)
	}

	logger, logFile, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logFile.Close()

	shutdownTracing, err := observability.InitTracing(cfg.Tracing, cfg.App.Name, version, os.Stdout)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := orchestrator.NewScheduler(a.orch, cfg.Pipeline.Interval, cfg.Pipeline.RunOnStart, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})

	if cfg.Server.Enabled {
		srv := &statusapi.Server{
			HealthFile: cfg.Health.File,
			Runs:       a.history,
			Tracker:    a.orch.Tracker(),
			Scheduler:  sched,
			Logger:     logger,
		}
		g.Go(func() error {
			return srv.Run(gctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
		})
	}

	if interactive {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					observability.PrintStatus(out, a.orch.Tracker().Snapshot(), sched.NextRun())
				}
			}
		})
	}

	return g.Wait()
}

func newOnceCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single pipeline cycle and exit non-zero if a step fails",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			logger, logFile, err := observability.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logFile.Close()

			shutdownTracing, err := observability.InitTracing(cfg.Tracing, cfg.App.Name, version, os.Stdout)
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.orch.RunCycle(ctx)
		},
	}
}

func newHealthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the current health record; exits non-zero unless status is OK",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rec, err := health.Read(cfg.Health.File)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no health record at %s", cfg.Health.File)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return err
			}
			if rec.Status != health.StatusOK {
				return fmt.Errorf("pipeline status is %s", rec.Status)
			}
			return nil
		},
	}
}

func newHistoryCmd(load configLoader) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, logFile, err := observability.NewLogger(config.LoggingConfig{Level: "warn"})
			if err != nil {
				return err
			}
			defer logFile.Close()

			db, _, history, err := openHistory(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := history.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			runs, err := history.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIMESTAMP\tDURATION\tTRANSACTIONAL\tAGGREGATED\tREVENUE\tNOTES")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%.1fs\t%d\t%d\t%.2f\t%s\n",
					r.ID,
					r.Timestamp.Format(time.RFC3339),
					r.DurationSecs,
					r.TransactionalRows,
					r.AggregatedRows,
					r.TotalRevenue,
					r.Notes,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	return cmd
}
