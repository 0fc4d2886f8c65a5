package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rahul/retailpipe/internal/alert"
	"github.com/rahul/retailpipe/internal/anomaly"
	"github.com/rahul/retailpipe/internal/gateway"
	"github.com/rahul/retailpipe/internal/governance"
	"github.com/rahul/retailpipe/internal/health"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/orchestrator"
	"github.com/rahul/retailpipe/internal/runner"
	"github.com/rahul/retailpipe/internal/store"
	"github.com/rahul/retailpipe/pkg/config"
)

// app holds the wired components for one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	history *store.MonitoringStore
	orch    *orchestrator.Orchestrator
}

func openHistory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, store.Dialect, *store.MonitoringStore, error) {
	dialect, err := store.DialectFor(cfg.Monitoring.Driver)
	if err != nil {
		return nil, store.Dialect{}, nil, err
	}
	db, err := store.Open(ctx, dialect, cfg.Monitoring.DSN, 5*time.Second)
	if err != nil {
		return nil, store.Dialect{}, nil, fmt.Errorf("open monitoring database: %w", err)
	}
	history, err := store.NewMonitoringStore(db, dialect, cfg.Monitoring.Table, logger)
	if err != nil {
		db.Close()
		return nil, store.Dialect{}, nil, err
	}
	return db, dialect, history, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, dialect, history, err := openHistory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*app, error) {
		db.Close()
		return nil, err
	}

	warehouse, err := store.NewWarehouse(db, dialect, cfg.Monitoring.TransactionalTable, cfg.Monitoring.AggregatedTable)
	if err != nil {
		return fail(err)
	}

	policy, err := governance.NewPolicyEngineFromConfig(cfg.Policy)
	if err != nil {
		return fail(fmt.Errorf("build step policy: %w", err))
	}

	channel, err := gateway.New(cfg.Alerts, logger)
	if err != nil {
		return fail(err)
	}
	dispatcher := alert.NewDispatcher(channel, cfg.Alerts.DeliveryTimeout, logger)

	minSeverity, err := anomaly.ParseSeverity(cfg.Monitoring.AlertMinSeverity)
	if err != nil {
		return fail(err)
	}
	detector := anomaly.NewDetector(anomaly.Thresholds{
		RowDropPct:             cfg.Monitoring.RowDropPct,
		RevenueChangePct:       cfg.Monitoring.RevenueChangePct,
		MissingColumnsCritical: cfg.Monitoring.MissingColumnsCritical,
	}, cfg.Monitoring.TransactionalTable, logger)

	var expectation orchestrator.ExpectationLoader
	if strings.TrimSpace(cfg.Monitoring.SchemaFile) != "" {
		expectation = orchestrator.FileExpectation(cfg.Monitoring.SchemaFile, cfg.Monitoring.SchemaSection)
	}
	monitor := orchestrator.NewMonitor(history, warehouse, detector, expectation, minSeverity)

	orch, err := orchestrator.New(orchestrator.Options{
		Steps:   runner.StepsFromConfig(cfg.Pipeline.Steps),
		Runner:  runner.New(cfg.Pipeline.Shell, cfg.App.Workdir, policy, logger),
		Monitor: monitor,
		Health:  health.NewPublisher(cfg.Health.File, logger),
		Alerts:  dispatcher,
		Tracker: observability.NewTracker(),
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}

	logger.Info("pipeline configured",
		"steps", len(cfg.Pipeline.Steps),
		"alert_channel", channel.Name(),
		"monitoring_driver", dialect.Name,
		"interval", cfg.Pipeline.Interval.String(),
	)
	return &app{cfg: cfg, logger: logger, db: db, history: history, orch: orch}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
