// Package notify publishes run and automation completion events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event types.
const (
	RunCompleted        = "run.completed"
	AutomationCompleted = "automation.completed"
)

// Event describes a finished run or automation run.
type Event struct {
	Type         string    `json:"type"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	AutomationID string    `json:"automation_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Sink receives events.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(context.Context, Event) error { return nil }

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "event",
		slog.String("type", e.Type),
		slog.String("run_id", e.RunID),
		slog.String("automation_id", e.AutomationID),
		slog.String("status", e.Status),
		slog.String("error", e.Error),
	)
	return nil
}

// WebhookSink posts each event as JSON to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Notify(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Async delivers events in the background so callers never wait on or fail
// because of a sink. Delivery errors are logged.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewAsync wraps sink for fire-and-forget delivery.
func NewAsync(sink Sink, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{sink: sink, logger: logger, timeout: 15 * time.Second}
}

// Notify always returns nil.
func (a *Async) Notify(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("notify sink panicked", "type", e.Type, "panic", r)
			}
		}()
		if err := a.sink.Notify(ctx, e); err != nil {
			a.logger.Warn("notify failed", "type", e.Type, "error", err)
		}
	}()
	return nil
}
