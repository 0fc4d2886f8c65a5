package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookChannel posts Slack-compatible incoming-webhook payloads.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{URL: url, Client: client}
}

func (w *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Text string `json:"text"`
}

func (w *WebhookChannel) Send(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Text: fmt.Sprintf(":rotating_light: *%s*\n%s", subject, body),
	})
	if err != nil {
		return deliveryErr(w.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return deliveryErr(w.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return deliveryErr(w.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return deliveryErr(w.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
