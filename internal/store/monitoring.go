package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Layouts accepted when reading history written by older tooling.
var legacyLayouts = []string{tsLayout, time.RFC3339Nano, "2006-01-02 15:04:05"}

// RunRecord is one row of run history, written only after a successful run.
type RunRecord struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"ts"`
	DurationSecs      float64   `json:"duration_secs"`
	TransactionalRows int64     `json:"transactional_rows"`
	AggregatedRows    int64     `json:"aggregated_rows"`
	TotalRevenue      float64   `json:"total_revenue"`
	Notes             string    `json:"notes"`
}

// StoreError means monitoring persistence is unavailable or corrupt.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("monitoring store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// MonitoringStore is the append-only run history.
type MonitoringStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	logger  *slog.Logger

	mu     sync.Mutex
	lastTS time.Time
}

func NewMonitoringStore(db *sql.DB, dialect Dialect, table string, logger *slog.Logger) (*MonitoringStore, error) {
	if db == nil {
		return nil, errors.New("monitoring store: db is required")
	}
	if err := validIdent(table); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitoringStore{db: db, dialect: dialect, table: table, logger: logger}, nil
}

// EnsureSchema creates the history table if needed. Safe to call every cycle.
func (s *MonitoringStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.monitoringDDL(s.table)); err != nil {
		return &StoreError{Op: "ensure schema", Err: err}
	}
	return nil
}

func (s *MonitoringStore) selectColumns() string {
	return fmt.Sprintf(`SELECT id, ts, duration_secs, transactional_rows, aggregated_rows, total_revenue, notes FROM %s`, s.table)
}

// LastRun returns the most recent record. Read errors are logged and
// reported as "no record" so a flaky read never fails the caller.
func (s *MonitoringStore) LastRun(ctx context.Context) (RunRecord, bool) {
	rec, err := s.lastRun(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false
	}
	if err != nil {
		s.logger.Warn("could not read last monitoring record", "event", "monitor", "error", err)
		return RunRecord{}, false
	}
	return rec, true
}

func (s *MonitoringStore) lastRun(ctx context.Context) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.selectColumns()+` ORDER BY id DESC LIMIT 1`)
	return scanRecord(row)
}

// Append durably persists rec and returns it with its assigned id and
// timestamp. Timestamps are kept strictly increasing alongside ids.
func (s *MonitoringStore) Append(ctx context.Context, rec RunRecord) (RunRecord, error) {
	if err := validateRecord(rec); err != nil {
		return RunRecord{}, &StoreError{Op: "append", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastTS.IsZero() {
		if last, err := s.lastRun(ctx); err == nil {
			s.lastTS = last.Timestamp
		}
	}

	ts := rec.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	rec.Timestamp = ts

	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (ts, duration_secs, transactional_rows, aggregated_rows, total_revenue, notes)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`, s.table))

	err := s.db.QueryRowContext(ctx, query,
		ts.Format(tsLayout),
		rec.DurationSecs,
		rec.TransactionalRows,
		rec.AggregatedRows,
		rec.TotalRevenue,
		rec.Notes,
	).Scan(&rec.ID)
	if err != nil {
		return RunRecord{}, &StoreError{Op: "append", Err: err}
	}

	s.lastTS = ts
	return rec, nil
}

// ListRuns returns up to limit records, newest first.
func (s *MonitoringStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := s.dialect.Rebind(s.selectColumns() + ` ORDER BY id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, &StoreError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &StoreError{Op: "list runs", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list runs", Err: err}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (RunRecord, error) {
	var (
		rec      RunRecord
		ts       sql.NullString
		duration sql.NullFloat64
		trans    sql.NullInt64
		agg      sql.NullInt64
		revenue  sql.NullFloat64
		notes    sql.NullString
	)
	if err := row.Scan(&rec.ID, &ts, &duration, &trans, &agg, &revenue, &notes); err != nil {
		return RunRecord{}, err
	}
	if ts.Valid {
		parsed, err := parseTimestamp(ts.String)
		if err != nil {
			return RunRecord{}, err
		}
		rec.Timestamp = parsed
	}
	rec.DurationSecs = duration.Float64
	rec.TransactionalRows = trans.Int64
	rec.AggregatedRows = agg.Int64
	rec.TotalRevenue = revenue.Float64
	rec.Notes = notes.String
	return rec, nil
}

// parseTimestamp reads zone-less legacy rows as host local time, which is how
// they were written.
func parseTimestamp(v string) (time.Time, error) {
	return parseTimestampIn(v, time.Local)
}

func parseTimestampIn(v string, loc *time.Location) (time.Time, error) {
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

func validateRecord(rec RunRecord) error {
	if rec.ID != 0 {
		return errors.New("record already has an id")
	}
	if rec.TransactionalRows < 0 || rec.AggregatedRows < 0 {
		return errors.New("row counts must be >= 0")
	}
	if rec.DurationSecs < 0 || math.IsNaN(rec.DurationSecs) {
		return errors.New("duration must be >= 0")
	}
	if math.IsNaN(rec.TotalRevenue) || math.IsInf(rec.TotalRevenue, 0) {
		return errors.New("total revenue must be finite")
	}
	return nil
}
