package anomaly

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/rahul/retailpipe/internal/schema"
	"github.com/rahul/retailpipe/internal/store"
)

// Metrics are the figures collected for the current run.
type Metrics struct {
	TransactionalRows int64
	AggregatedRows    int64
	TotalRevenue      float64
}

// Thresholds are fractions, e.g. 0.5 means a 50% drop.
type Thresholds struct {
	RowDropPct             float64
	RevenueChangePct       float64
	MissingColumnsCritical bool
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RowDropPct:             0.5,
		RevenueChangePct:       0.3,
		MissingColumnsCritical: true,
	}
}

// Detector compares a run against the run recorded immediately before it.
type Detector struct {
	thresholds Thresholds
	table      string
	logger     *slog.Logger
}

func NewDetector(t Thresholds, table string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if table == "" {
		table = "sales_transactional"
	}
	return &Detector{thresholds: t, table: table, logger: logger}
}

// Detect evaluates, in order, the schema rule, the row-drop rule and the
// revenue-change rule. previous is nil for the first recorded run, which
// skips both comparison rules. An empty expectation skips the schema rule.
// A rule that errors or panics is logged and treated as not evaluated.
func (d *Detector) Detect(current Metrics, previous *store.RunRecord, actual []string, expected schema.Expectation) []Anomaly {
	var found []Anomaly

	found = append(found, d.evaluate("schema", func() ([]Anomaly, error) {
		return d.schemaRule(actual, expected), nil
	})...)

	if previous == nil {
		d.logger.Info("no prior monitoring data; skipping historical comparison", "event", "anomaly")
		return found
	}

	found = append(found, d.evaluate("row_drop", func() ([]Anomaly, error) {
		return d.rowDropRule(current, *previous)
	})...)
	found = append(found, d.evaluate("revenue_change", func() ([]Anomaly, error) {
		return d.revenueRule(current, *previous)
	})...)

	return found
}

func (d *Detector) evaluate(rule string, fn func() ([]Anomaly, error)) (out []Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("anomaly rule panicked; rule not evaluated", "event", "anomaly", "rule", rule, "panic", r)
			out = nil
		}
	}()

	out, err := fn()
	if err != nil {
		d.logger.Warn("anomaly rule failed; rule not evaluated", "event", "anomaly", "rule", rule, "error", err)
		return nil
	}
	for _, a := range out {
		d.logger.Warn("anomaly detected",
			"event", "anomaly",
			"kind", string(a.Kind),
			"severity", a.Severity.String(),
			"description", a.Description,
		)
	}
	return out
}

func (d *Detector) schemaRule(actual []string, expected schema.Expectation) []Anomaly {
	if len(expected.Columns) == 0 {
		return nil
	}

	have := make(map[string]bool, len(actual))
	for _, c := range actual {
		have[c] = true
	}

	var out []Anomaly

	var missing []string
	for _, c := range expected.Required() {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sev := SeverityCritical
		if !d.thresholds.MissingColumnsCritical {
			sev = SeverityWarning
		}
		out = append(out, Anomaly{
			Kind:        KindSchemaMissing,
			Severity:    sev,
			Description: fmt.Sprintf("Missing required columns in %s: %v", d.table, missing),
			Columns:     missing,
		})
	}

	var extra []string
	for _, c := range actual {
		if _, ok := expected.Columns[c]; !ok {
			extra = append(extra, c)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		out = append(out, Anomaly{
			Kind:        KindSchemaExtra,
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("Extra columns in %s: %v", d.table, extra),
			Columns:     extra,
		})
	}
	return out
}

func (d *Detector) rowDropRule(current Metrics, previous store.RunRecord) ([]Anomaly, error) {
	if previous.TransactionalRows <= 0 {
		return nil, nil
	}
	if current.TransactionalRows < 0 {
		return nil, fmt.Errorf("negative transactional row count %d", current.TransactionalRows)
	}

	prev := float64(previous.TransactionalRows)
	cur := float64(current.TransactionalRows)
	drop := (prev - cur) / prev
	if drop < d.thresholds.RowDropPct {
		return nil, nil
	}
	return []Anomaly{{
		Kind:     KindRowDrop,
		Severity: SeverityWarning,
		Description: fmt.Sprintf("Transactional rows dropped by %.2f%% (prev=%d current=%d)",
			drop*100, previous.TransactionalRows, current.TransactionalRows),
		Previous: prev,
		Current:  cur,
		Change:   drop,
	}}, nil
}

func (d *Detector) revenueRule(current Metrics, previous store.RunRecord) ([]Anomaly, error) {
	if previous.TotalRevenue <= 0 {
		return nil, nil
	}
	if math.IsNaN(current.TotalRevenue) || math.IsInf(current.TotalRevenue, 0) {
		return nil, errors.New("current total revenue is not a finite number")
	}

	change := math.Abs(current.TotalRevenue-previous.TotalRevenue) / previous.TotalRevenue
	if change < d.thresholds.RevenueChangePct {
		return nil, nil
	}
	return []Anomaly{{
		Kind:     KindRevenueChange,
		Severity: SeverityWarning,
		Description: fmt.Sprintf("Revenue changed by %.2f%% (prev=%.2f current=%.2f)",
			change*100, previous.TotalRevenue, current.TotalRevenue),
		Previous: previous.TotalRevenue,
		Current:  current.TotalRevenue,
		Change:   change,
	}}, nil
}
