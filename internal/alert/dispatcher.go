package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rahul/retailpipe/internal/anomaly"
	"github.com/rahul/retailpipe/internal/gateway"
	"github.com/rahul/retailpipe/internal/observability"
	"github.com/rahul/retailpipe/internal/store"
)

const (
	FailureSubject    = "Retail Sales Pipeline Failure"
	MonitoringSubject = "Retail Pipeline Monitoring Alert"
)

// Dispatcher sends alerts through the single configured channel. Delivery
// problems are logged and counted, never returned: alerting must not take
// the pipeline down.
type Dispatcher struct {
	channel gateway.Channel
	timeout time.Duration
	logger  *slog.Logger
}

func NewDispatcher(channel gateway.Channel, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{channel: channel, timeout: timeout, logger: logger}
}

// SendAlert blocks for at most the delivery timeout.
func (d *Dispatcher) SendAlert(ctx context.Context, subject, body string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	name := d.channel.Name()
	log := d.logger.With("event", observability.EventAlert, "channel", name, "subject", subject)

	err := d.safeSend(ctx, subject, body)
	observability.CountAlert(name, err == nil)
	if err != nil {
		log.Error("alert delivery failed", "error", err)
		return
	}
	log.Info("alert sent")
}

func (d *Dispatcher) safeSend(ctx context.Context, subject, body string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &gateway.DeliveryError{Channel: d.channel.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return d.channel.Send(ctx, subject, body)
}

// FailureBody formats the alert sent when a step aborts the run. output is
// the tail of the step's combined output and may be empty.
func FailureBody(step string, err error, output string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step failed: %s\nError: %v\n", step, err)
	if output = strings.TrimSpace(output); output != "" {
		fmt.Fprintf(&b, "Output:\n%s\n", output)
	}
	b.WriteString("Check logs for details.")
	return b.String()
}

// MonitoringBody formats the anomaly summary for a run that otherwise
// succeeded. Every finding is listed, followed by any check that could not
// be evaluated.
func MonitoringBody(rec store.RunRecord, found []anomaly.Anomaly, diagnostics ...string) string {
	var b strings.Builder
	b.WriteString("Pipeline monitoring detected issues:\n\n")
	fmt.Fprintf(&b, "Timestamp: %s\n", rec.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration (s): %.2f\n", rec.DurationSecs)
	fmt.Fprintf(&b, "Transactional rows: %d\n", rec.TransactionalRows)
	fmt.Fprintf(&b, "Aggregated rows: %d\n", rec.AggregatedRows)
	fmt.Fprintf(&b, "Total revenue: %.2f\n\n", rec.TotalRevenue)
	b.WriteString("Issues:\n")
	for _, a := range found {
		fmt.Fprintf(&b, "- [%s] %s\n", a.Severity, a.Description)
	}
	for _, d := range diagnostics {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	return b.String()
}
