// Package notify carries pipeline telemetry, progress, and alert events to
// the outside world over NATS. Delivery is best-effort: failures are
// logged and never propagate into job processing.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// NATS subjects for outbound events.
const (
	SubjectTelemetry = "scribe.telemetry.job"
	SubjectProgress  = "scribe.progress.draft"
	SubjectAlert     = "scribe.alert.draft"
)

// Telemetry is one job-status datapoint for the external telemetry sink.
type Telemetry struct {
	JobID        string    `json:"job_id"`
	ProjectID    string    `json:"project_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Status       string    `json:"status"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	PromptTokens int       `json:"prompt_tokens,omitempty"`
	Tokens       int       `json:"tokens,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Alert is sent only on terminal, non-retryable job failure.
type Alert struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Summary   string `json:"summary,omitempty"`
}

// Progress is a tool-style event for the realtime session channel.
type Progress struct {
	Tool         string    `json:"tool"`
	JobID        string    `json:"job_id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	Summary      string    `json:"summary,omitempty"`
	Error        string    `json:"error,omitempty"`
	Sections     []string  `json:"sections,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// PublishFunc sends one message to NATS. Matches (*nats.Conn).Publish.
type PublishFunc func(subject string, data []byte) error

// SlackAlerter posts terminal-failure alerts to Slack; nil disables it.
type SlackAlerter interface {
	PostJobAlert(ctx context.Context, alert Alert) error
}

// Publisher fans pipeline events out to NATS, plus Slack for alerts.
type Publisher struct {
	publish PublishFunc
	slack   SlackAlerter
}

func NewPublisher(publish PublishFunc, slack SlackAlerter) *Publisher {
	return &Publisher{publish: publish, slack: slack}
}

func (p *Publisher) ReportTelemetry(_ context.Context, ev Telemetry) {
	p.send(SubjectTelemetry, ev)
}

func (p *Publisher) PublishProgress(_ context.Context, ev Progress) {
	p.send(SubjectProgress, ev)
}

func (p *Publisher) SendAlert(ctx context.Context, alert Alert) {
	p.send(SubjectAlert, alert)
	if p.slack != nil {
		if err := p.slack.PostJobAlert(ctx, alert); err != nil {
			slog.Warn("failed to post alert to Slack",
				"job_id", alert.JobID,
				"error", err,
			)
		}
	}
}

func (p *Publisher) send(subject string, v any) {
	if p.publish == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.publish(subject, data); err != nil {
		slog.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
