package gateway

import (
	"context"
	"log/slog"
)

// NoopChannel is used when no alert channel is configured. The alert is
// still written to the log so it is not lost entirely.
type NoopChannel struct {
	logger *slog.Logger
}

func NewNoopChannel(logger *slog.Logger) *NoopChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopChannel{logger: logger}
}

func (n *NoopChannel) Name() string { return "none" }

func (n *NoopChannel) Send(_ context.Context, subject, body string) error {
	n.logger.Info("alert channel not configured; alert logged only", "event", "alert", "subject", subject, "body", body)
	return nil
}
