package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rahul/retailpipe/pkg/config"
)

// Channel delivers one notification to a human. Exactly one channel is
// active per deployment.
type Channel interface {
	// Name identifies the channel in logs and metrics.
	Name() string
	// Send blocks until the message is accepted or rejected.
	Send(ctx context.Context, subject, body string) error
}

// DeliveryError means the channel was unreachable or rejected the message.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func deliveryErr(channel string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Channel: channel, Err: err}
}

// New builds the channel selected by cfg.Channel. An empty or "none"
// selection yields the no-op channel.
func New(cfg config.AlertsConfig, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Channel {
	case "", "none":
		return NewNoopChannel(logger), nil
	case "webhook":
		return NewWebhookChannel(cfg.Webhook.URL, nil), nil
	case "smtp":
		return NewSMTPChannel(cfg.SMTP), nil
	case "telegram":
		return NewTelegramChannel(cfg.Telegram), nil
	case "discord":
		return NewDiscordChannel(cfg.Discord.WebhookURL)
	default:
		return nil, fmt.Errorf("unknown alert channel %q", cfg.Channel)
	}
}

// truncate cuts s to at most max runes, marking the cut.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
