// Package notify delivers protocol events to operators. Delivery is best
// effort: callers log a returned error and carry on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rogers-f/criticality/internal/logging"
)

// Event is the kind of protocol event being announced.
type Event string

const (
	EventComplete    Event = "complete"
	EventError       Event = "error"
	EventBlock       Event = "block"
	EventPhaseChange Event = "phase_change"
)

// Notifier delivers one event with a free-form payload.
type Notifier interface {
	Notify(ctx context.Context, event Event, payload map[string]any) error
}

// Log writes every event to the structured log.
type Log struct {
	Logger *logging.Logger
}

// Notify implements Notifier.
func (n Log) Notify(_ context.Context, event Event, payload map[string]any) error {
	args := make([]any, 0, 2+2*len(payload))
	args = append(args, "event", string(event))
	for k, v := range payload {
		args = append(args, k, v)
	}
	n.Logger.Info("protocol event", args...)
	return nil
}

// webhookBody is the JSON document posted by Webhook.
type webhookBody struct {
	Event   Event          `json:"event"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sentAt"`
}

// Webhook posts events as JSON to a URL.
type Webhook struct {
	URL    string
	Client *http.Client
	now    func() time.Time
}

// NewWebhook creates a Webhook with its own client bounded by timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Notify implements Notifier. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, event Event, payload map[string]any) error {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(webhookBody{Event: event, Payload: payload, SentAt: now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", event, resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to every notifier. All notifiers are tried; the
// errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, event Event, payload map[string]any) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
