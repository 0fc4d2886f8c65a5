package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rahul/retailpipe/internal/alert"
	"github.com/rahul/retailpipe/internal/health"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/runner"
	"github.com/rahul/retailpipe/internal/store"
)

// ErrCycleInProgress is returned when a trigger arrives while a cycle runs.
var ErrCycleInProgress = errors.New("pipeline cycle already in progress")

const successMessage = "Pipeline completed successfully."

type StepRunner interface {
	Run(ctx context.Context, step runner.Step) error
}

type Alerter interface {
	SendAlert(ctx context.Context, subject, body string)
}

type HealthPublisher interface {
	Publish(status health.Status, message string) error
}

// Orchestrator runs one cycle at a time: the ordered steps, then on success
// the monitoring cycle, then the health record and any alerts.
type Orchestrator struct {
	steps   []runner.Step
	runner  StepRunner
	monitor *Monitor
	health  HealthPublisher
	alerts  Alerter
	tracker *observability.Tracker
	logger  *slog.Logger
	now     func() time.Time
}

type Options struct {
	Steps   []runner.Step
	Runner  StepRunner
	Monitor *Monitor
	Health  HealthPublisher
	Alerts  Alerter
	Tracker *observability.Tracker
	Logger  *slog.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if len(opts.Steps) == 0 {
		return nil, errors.New("orchestrator: no steps declared")
	}
	if opts.Runner == nil || opts.Monitor == nil || opts.Health == nil || opts.Alerts == nil {
		return nil, errors.New("orchestrator: runner, monitor, health and alerts are required")
	}
	if opts.Tracker == nil {
		opts.Tracker = observability.NewTracker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	steps := make([]runner.Step, len(opts.Steps))
	copy(steps, opts.Steps)
	return &Orchestrator{
		steps:   steps,
		runner:  opts.Runner,
		monitor: opts.Monitor,
		health:  opts.Health,
		alerts:  opts.Alerts,
		tracker: opts.Tracker,
		logger:  opts.Logger,
		now:     time.Now,
	}, nil
}

func (o *Orchestrator) Tracker() *observability.Tracker { return o.tracker }

func (o *Orchestrator) Running() bool { return o.tracker.Running() }

// RunCycle executes one full cycle and blocks until it ends. A failed step
// aborts the remaining steps, publishes FAIL, sends one alert and is returned
// as *runner.StepFailure. Monitoring problems never fail a cycle whose steps
// all succeeded.
//
// A started cycle is not cancellable: cancelling ctx (process shutdown) lets
// the running step and the rest of the cycle finish so the health record and
// alerts reflect what the steps actually did. Per-step timeouts still apply.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	if !o.tracker.Begin(cycleID) {
		observability.CycleSuppressed()
		o.logger.Warn("trigger suppressed; previous cycle still running", "event", observability.EventCycle)
		return ErrCycleInProgress
	}

	ctx, span := observability.Tracer().Start(context.WithoutCancel(ctx), "pipeline.cycle")
	span.SetAttributes(attribute.String("cycle_id", cycleID))
	defer span.End()

	log := o.logger.With("cycle_id", cycleID)
	start := o.now()
	log.Info("pipeline cycle started", "event", observability.EventCycle, "steps", len(o.steps))

	for _, step := range o.steps {
		if err := o.runStep(ctx, log, step); err != nil {
			var failure *runner.StepFailure
			if !errors.As(err, &failure) {
				failure = &runner.StepFailure{StepName: step.Name, Err: err}
			}
			span.RecordError(failure)
			span.SetStatus(codes.Error, failure.Error())
			o.fail(ctx, log, failure, start)
			return failure
		}
	}

	duration := o.now().Sub(start)
	log.Info("all steps completed", "event", observability.EventCycle, "duration_secs", duration.Seconds())

	result := o.monitor.Run(ctx, duration, log)

	message := successMessage
	if result.Err != nil {
		message = fmt.Sprintf("%s Monitoring degraded: %v", successMessage, result.Err)
	}
	_ = o.health.Publish(health.StatusOK, message)

	if result.Err != nil {
		subject, body := MonitoringFailureAlert(result.Err)
		o.alerts.SendAlert(ctx, subject, body)
	}
	if len(result.Alerting) > 0 {
		o.alerts.SendAlert(ctx, alert.MonitoringSubject,
			alert.MonitoringBody(result.Record, result.Anomalies, result.Diagnostics...))
	}

	total := o.now().Sub(start)
	o.tracker.Finish(observability.StateSuccess, nil)
	observability.ObserveCycle(observability.StateSuccess, total)
	log.Info("pipeline cycle succeeded",
		"event", observability.EventCycle,
		"duration_secs", total.Seconds(),
		"anomalies", len(result.Anomalies),
	)
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, log *slog.Logger, step runner.Step) error {
	o.tracker.SetStep(step.Name)

	ctx, span := observability.Tracer().Start(ctx, "pipeline.step")
	span.SetAttributes(attribute.String("step", step.Name))
	defer span.End()

	log.Info("running step", "event", observability.EventStep, "step", step.Name)
	started := o.now()
	err := o.runner.Run(ctx, step)
	observability.ObserveStep(step.Name, err == nil, o.now().Sub(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, failure *runner.StepFailure, start time.Time) {
	log.Error("pipeline cycle failed",
		"event", observability.EventCycle,
		"step", failure.StepName,
		"error", failure.Err,
	)
	_ = o.health.Publish(health.StatusFail, "Pipeline failed at "+failure.StepName)
	o.alerts.SendAlert(ctx, alert.FailureSubject, alert.FailureBody(failure.StepName, failure.Err, failure.Output))

	o.tracker.Finish(observability.StateFailed, failure)
	observability.ObserveCycle(observability.StateFailed, o.now().Sub(start))
}

// MonitoringFailureAlert formats the alert for a monitoring cycle that could
// not record the run. Schema and append failures are write errors; anything
// else failed while reading.
func MonitoringFailureAlert(err error) (subject, body string) {
	subject = "Monitoring failure: DB read error"
	var se *store.StoreError
	if errors.As(err, &se) && (se.Op == "append" || se.Op == "ensure schema") {
		subject = "Monitoring failure: DB write error"
	}
	body = fmt.Sprintf("%s\nError: %v\nThe pipeline steps completed; this run was not recorded.", subject, err)
	return subject, body
}
