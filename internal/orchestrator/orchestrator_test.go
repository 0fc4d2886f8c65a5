package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/retailpipe/internal/alert"
	"github.com/rahul/retailpipe/internal/anomaly"
	"github.com/rahul/retailpipe/internal/gateway"
	"github.com/rahul/retailpipe/internal/health"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/runner"
	"github.com/rahul/retailpipe/internal/schema"
	"github.com/rahul/retailpipe/internal/store"
)

var pipelineSteps = []runner.Step{
	{Name: "generate", Command: "gen"},
	{Name: "extract", Command: "ext"},
	{Name: "transform", Command: "tr"},
	{Name: "load", Command: "load"},
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	failOn  string
	release chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, step runner.Step) error {
	f.mu.Lock()
	f.ran = append(f.ran, step.Name)
	f.mu.Unlock()
	if f.started != nil && step.Name == pipelineSteps[0].Name {
		close(f.started)
		<-f.release
	}
	if step.Name == f.failOn {
		return &runner.StepFailure{StepName: step.Name, Err: errors.New("exit status 1")}
	}
	return nil
}

func (f *fakeRunner) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fakeWarehouse struct {
	mu       sync.Mutex
	trans    int64
	agg      int64
	revenue  float64
	cols     []string
	countErr error
	revErr   error
}

func (w *fakeWarehouse) set(trans int64, revenue float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trans, w.revenue = trans, revenue
}

func (w *fakeWarehouse) Counts(context.Context) (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.countErr != nil {
		return 0, 0, w.countErr
	}
	return w.trans, w.agg, nil
}

func (w *fakeWarehouse) TotalRevenue(context.Context) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.revenue, w.revErr
}

func (w *fakeWarehouse) Columns(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cols, nil
}

type fakeHealth struct {
	mu      sync.Mutex
	records []health.Record
}

func (h *fakeHealth) Publish(status health.Status, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, health.Record{Timestamp: time.Now(), Status: status, Message: message})
	return nil
}

func (h *fakeHealth) last() health.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[len(h.records)-1]
}

type sentAlert struct{ subject, body string }

type fakeAlerts struct {
	mu   sync.Mutex
	sent []sentAlert
}

func (a *fakeAlerts) SendAlert(_ context.Context, subject, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentAlert{subject, body})
}

func (a *fakeAlerts) all() []sentAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentAlert(nil), a.sent...)
}

type harness struct {
	orch      *Orchestrator
	runner    *fakeRunner
	warehouse *fakeWarehouse
	history   *store.MonitoringStore
	health    *fakeHealth
	alerts    *fakeAlerts
}

func salesExpectation() (schema.Expectation, error) {
	return schema.Expectation{Columns: map[string]schema.Column{
		"date":       {Type: "datetime64[ns]", Required: true},
		"region":     {Type: "string", Required: true},
		"product_id": {Type: "string", Required: true},
		"revenue":    {Type: "float64", Required: true},
	}}, nil
}

func newHarness(t *testing.T, alerter Alerter) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "retail_sales.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	history, err := store.NewMonitoringStore(db, store.SQLite, "monitoring_log", nil)
	require.NoError(t, err)
	require.NoError(t, history.EnsureSchema(ctx))

	h := &harness{
		runner: &fakeRunner{},
		warehouse: &fakeWarehouse{
			trans: 1000, agg: 40, revenue: 10000,
			cols: []string{"date", "region", "product_id", "revenue"},
		},
		history: history,
		health:  &fakeHealth{},
		alerts:  &fakeAlerts{},
	}
	if alerter == nil {
		alerter = h.alerts
	}

	detector := anomaly.NewDetector(anomaly.DefaultThresholds(), "sales_transactional", nil)
	monitor := NewMonitor(history, h.warehouse, detector, salesExpectation, anomaly.SeverityWarning)

	h.orch, err = New(Options{
		Steps:   pipelineSteps,
		Runner:  h.runner,
		Monitor: monitor,
		Health:  h.health,
		Alerts:  alerter,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) runs(t *testing.T) []store.RunRecord {
	t.Helper()
	runs, err := h.history.ListRuns(context.Background(), 1000)
	require.NoError(t, err)
	return runs
}

func TestRunCycle_StepFailureAbortsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.failOn = "transform"

	err := h.orch.RunCycle(context.Background())

	var failure *runner.StepFailure
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, "transform", failure.StepName)

	assert.Equal(t, []string{"generate", "extract", "transform"}, h.runner.steps(), "load must never run")

	rec := h.health.last()
	assert.Equal(t, health.StatusFail, rec.Status)
	assert.Equal(t, "Pipeline failed at transform", rec.Message)

	sent := h.alerts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.FailureSubject, sent[0].subject)
	assert.Equal(t, "Step failed: transform\nError: exit status 1\nCheck logs for details.", sent[0].body)

	assert.Empty(t, h.runs(t), "failed runs are not recorded")

	snap := h.orch.Tracker().Snapshot()
	assert.Equal(t, observability.StateIdle, snap.State)
	assert.Equal(t, observability.StateFailed, snap.LastOutcome)
}

func TestRunCycle_SuccessRecordsEveryRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, h.orch.RunCycle(ctx))
	}

	runs := h.runs(t)
	require.Len(t, runs, n)
	for i := 1; i < n; i++ {
		assert.Greater(t, runs[i-1].ID, runs[i].ID)
		assert.True(t, runs[i-1].Timestamp.After(runs[i].Timestamp))
	}
	assert.Equal(t, "OK", runs[0].Notes)
	assert.Equal(t, int64(1000), runs[0].TransactionalRows)
	assert.Equal(t, 10000.0, runs[0].TotalRevenue)

	rec := h.health.last()
	assert.Equal(t, health.StatusOK, rec.Status)
	assert.Equal(t, "Pipeline completed successfully.", rec.Message)
	assert.Empty(t, h.alerts.all())

	assert.Equal(t, pipelineSteps[3].Name, h.runner.steps()[len(h.runner.steps())-1])
	assert.Equal(t, int64(n), h.orch.Tracker().Snapshot().Cycles)
}

func TestRunCycle_AnomalyAlertsButSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.RunCycle(ctx))
	h.warehouse.set(400, 13500)
	require.NoError(t, h.orch.RunCycle(ctx))

	assert.Equal(t, health.StatusOK, h.health.last().Status)

	sent := h.alerts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.MonitoringSubject, sent[0].subject)
	assert.Contains(t, sent[0].body, "Transactional rows dropped by 60.00% (prev=1000 current=400)")
	assert.Contains(t, sent[0].body, "Revenue changed by 35.00% (prev=10000.00 current=13500.00)")

	runs := h.runs(t)
	require.Len(t, runs, 2)
	assert.Equal(t,
		"Transactional rows dropped by 60.00% (prev=1000 current=400); Revenue changed by 35.00% (prev=10000.00 current=13500.00)",
		runs[0].Notes)
}

func TestRunCycle_ExtraColumnsOnlyDoNotAlert(t *testing.T) {
	h := newHarness(t, nil)
	h.warehouse.cols = append(h.warehouse.cols, "store_id")

	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Empty(t, h.alerts.all())
	assert.Equal(t, "Extra columns in sales_transactional: [store_id]", h.runs(t)[0].Notes)
}

func TestRunCycle_CountReadFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.warehouse.countErr = &store.StoreError{Op: "count sales_transactional", Err: errors.New("no such table")}

	require.NoError(t, h.orch.RunCycle(context.Background()))

	rec := h.health.last()
	assert.Equal(t, health.StatusOK, rec.Status)
	assert.True(t, strings.HasPrefix(rec.Message, "Pipeline completed successfully. Monitoring degraded:"), rec.Message)

	sent := h.alerts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "Monitoring failure: DB read error", sent[0].subject)
	assert.Contains(t, sent[0].body, "no such table")
	assert.Empty(t, h.runs(t))
}

func TestRunCycle_RevenueReadFailureRecordsZero(t *testing.T) {
	h := newHarness(t, nil)
	h.warehouse.revErr = errors.New("no such column: revenue")

	require.NoError(t, h.orch.RunCycle(context.Background()))
	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Zero(t, runs[0].TotalRevenue)
	assert.Contains(t, runs[0].Notes, "revenue unavailable")
}

func TestRunCycle_DeliveryFailureDoesNotFailCycle(t *testing.T) {
	failing := gateway.NewWebhookChannel("http://127.0.0.1:1/unreachable", nil)
	h := newHarness(t, alert.NewDispatcher(failing, time.Second, slog.Default()))
	h.runner.failOn = "load"

	err := h.orch.RunCycle(context.Background())
	var failure *runner.StepFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "Pipeline failed at load", h.health.last().Message)

	h.runner.failOn = ""
	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Equal(t, health.StatusOK, h.health.last().Status)
	assert.Len(t, h.runs(t), 1)
}

func TestRunCycle_OverlapIsSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.started = make(chan struct{})
	h.runner.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.orch.RunCycle(context.Background()) }()

	<-h.runner.started
	assert.True(t, h.orch.Running())
	assert.ErrorIs(t, h.orch.RunCycle(context.Background()), ErrCycleInProgress)

	close(h.runner.release)
	require.NoError(t, <-done)

	assert.Len(t, h.runs(t), 1)
	assert.Equal(t, []string{"generate", "extract", "transform", "load"}, h.runner.steps())
	assert.Equal(t, int64(1), h.orch.Tracker().Snapshot().Suppressed)
}

func TestRunCycle_SchemaExpectationUnreadable(t *testing.T) {
	h := newHarness(t, nil)
	detector := anomaly.NewDetector(anomaly.DefaultThresholds(), "sales_transactional", nil)
	h.orch.monitor = NewMonitor(h.history, h.warehouse, detector,
		FileExpectation(filepath.Join(t.TempDir(), "missing.json"), "sales"), anomaly.SeverityWarning)

	require.NoError(t, h.orch.RunCycle(context.Background()))
	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Notes, "missing.json")
	assert.Empty(t, h.alerts.all())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Steps: pipelineSteps})
	assert.Error(t, err)
}

func TestMonitoringFailureAlert(t *testing.T) {
	subject, body := MonitoringFailureAlert(&store.StoreError{Op: "append", Err: errors.New("disk I/O error")})
	assert.Equal(t, "Monitoring failure: DB write error", subject)
	assert.Contains(t, body, "disk I/O error")

	subject, _ = MonitoringFailureAlert(&store.StoreError{Op: "ensure schema", Err: errors.New("readonly database")})
	assert.Equal(t, "Monitoring failure: DB write error", subject)

	subject, body = MonitoringFailureAlert(&store.StoreError{Op: "count x", Err: errors.New("locked")})
	assert.Equal(t, "Monitoring failure: DB read error", subject)
	assert.Contains(t, body, "locked")
}

func TestRunCycle_AnomalyAlertListsEveryIssue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.orch.RunCycle(ctx))
	h.warehouse.set(1000, 13500)
	h.warehouse.cols = append(h.warehouse.cols, "store_id")
	require.NoError(t, h.orch.RunCycle(ctx))

	sent := h.alerts.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].body, "- [WARNING] Revenue changed by 35.00% (prev=10000.00 current=13500.00)\n")
	assert.Contains(t, sent[0].body, "- [INFO] Extra columns in sales_transactional: [store_id]\n")
}

func TestRunCycle_FailureAlertCarriesStepOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.runner = runner.New("sh", t.TempDir(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.orch.steps = []runner.Step{{Name: "transform", Command: "echo 'KeyError: revenue' >&2; exit 2"}}

	err := h.orch.RunCycle(context.Background())
	require.Error(t, err)

	sent := h.alerts.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "Step failed: transform\nError: exit status 2\nOutput:\nKeyError: revenue\nCheck logs for details.", sent[0].body)
}

func TestRunCycle_ShutdownLetsRunningCycleFinish(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	h.orch.runner = runner.New("sh", dir, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.orch.steps = []runner.Step{
		{Name: "transform", Command: "sleep 0.3"},
		{Name: "load", Command: "touch loaded"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.RunCycle(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
	}

	_, statErr := os.Stat(filepath.Join(dir, "loaded"))
	assert.NoError(t, statErr, "remaining steps run after shutdown is requested")
	assert.Equal(t, health.StatusOK, h.health.last().Status)
	assert.Empty(t, h.alerts.all())
	assert.Len(t, h.runs(t), 1)
}
