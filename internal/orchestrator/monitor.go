package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rahul/retailpipe/internal/anomaly"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/schema"
	"github.com/rahul/retailpipe/internal/store"
)

// History is the run-history side of the monitoring store.
type History interface {
	EnsureSchema(ctx context.Context) error
	LastRun(ctx context.Context) (store.RunRecord, bool)
	Append(ctx context.Context, rec store.RunRecord) (store.RunRecord, error)
}

// Warehouse exposes the figures the monitoring cycle reads from the
// processed sales tables.
type Warehouse interface {
	Counts(ctx context.Context) (transactional, aggregated int64, err error)
	TotalRevenue(ctx context.Context) (float64, error)
	Columns(ctx context.Context) ([]string, error)
}

// ExpectationLoader reads the schema expectation. It is called once per cycle.
type ExpectationLoader func() (schema.Expectation, error)

func FileExpectation(path, section string) ExpectationLoader {
	return func() (schema.Expectation, error) {
		return schema.Load(path, section)
	}
}

// MonitorResult is the outcome of one monitoring cycle. Err is set when the
// run could not be recorded; Record then holds the unsaved figures, if any.
type MonitorResult struct {
	Record    store.RunRecord
	Anomalies []anomaly.Anomaly
	Alerting  []anomaly.Anomaly
	// Diagnostics lists checks that could not be evaluated this run.
	Diagnostics []string
	Err         error
}

type Monitor struct {
	history     History
	warehouse   Warehouse
	detector    *anomaly.Detector
	expectation ExpectationLoader
	minSeverity anomaly.Severity
	now         func() time.Time
}

func NewMonitor(history History, warehouse Warehouse, detector *anomaly.Detector, expectation ExpectationLoader, minSeverity anomaly.Severity) *Monitor {
	if expectation == nil {
		expectation = func() (schema.Expectation, error) { return schema.Expectation{}, nil }
	}
	return &Monitor{
		history:     history,
		warehouse:   warehouse,
		detector:    detector,
		expectation: expectation,
		minSeverity: minSeverity,
		now:         time.Now,
	}
}

// Run collects the current metrics, compares them with the previous record,
// and appends the new record. It never panics or returns an error to the
// caller: store failures are reported in MonitorResult.Err.
func (m *Monitor) Run(ctx context.Context, duration time.Duration, log *slog.Logger) MonitorResult {
	log = log.With("event", observability.EventMonitor)

	if err := m.history.EnsureSchema(ctx); err != nil {
		log.Error("monitoring store unavailable", "error", err)
		return MonitorResult{Err: err}
	}

	transactional, aggregated, err := m.warehouse.Counts(ctx)
	if err != nil {
		log.Error("could not read row counts; run not recorded", "error", err)
		return MonitorResult{Err: err}
	}

	var diagnostics []string

	revenue, err := m.warehouse.TotalRevenue(ctx)
	if err != nil {
		log.Warn("could not read total revenue; using 0", "error", err)
		diagnostics = append(diagnostics, fmt.Sprintf("revenue unavailable: %v", err))
		revenue = 0
	}

	expected, err := m.expectation()
	if err != nil {
		log.Warn("schema expectation unavailable; schema check skipped", "error", err)
		diagnostics = append(diagnostics, err.Error())
		expected = schema.Expectation{}
	}

	var actual []string
	if len(expected.Columns) > 0 {
		actual, err = m.warehouse.Columns(ctx)
		if err != nil {
			log.Warn("could not read table columns; schema check skipped", "error", err)
			diagnostics = append(diagnostics, fmt.Sprintf("columns unavailable: %v", err))
			expected = schema.Expectation{}
		}
	}

	var previous *store.RunRecord
	if last, ok := m.history.LastRun(ctx); ok {
		previous = &last
	}

	current := anomaly.Metrics{
		TransactionalRows: transactional,
		AggregatedRows:    aggregated,
		TotalRevenue:      revenue,
	}
	found := m.detector.Detect(current, previous, actual, expected)
	for _, a := range found {
		observability.CountAnomaly(string(a.Kind), a.Severity.String())
	}

	rec := store.RunRecord{
		Timestamp:         m.now(),
		DurationSecs:      duration.Seconds(),
		TransactionalRows: transactional,
		AggregatedRows:    aggregated,
		TotalRevenue:      revenue,
		Notes:             anomaly.Notes(found, diagnostics...),
	}
	result := MonitorResult{
		Record:      rec,
		Anomalies:   found,
		Alerting:    anomaly.Alerting(found, m.minSeverity),
		Diagnostics: diagnostics,
	}

	saved, err := m.history.Append(ctx, rec)
	if err != nil {
		log.Error("could not append monitoring record", "error", err)
		result.Err = err
		return result
	}
	result.Record = saved
	observability.RecordRunMetrics(transactional, aggregated, revenue)

	log.Info("monitoring record appended",
		"run_id", saved.ID,
		"transactional_rows", transactional,
		"aggregated_rows", aggregated,
		"total_revenue", revenue,
		"notes", saved.Notes,
	)
	return result
}
