package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quillworks/scribe/internal/notify"
)

// Alerter posts draft-job failure alerts to a Slack channel via
// chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// PostJobAlert sends a Block Kit message for a terminally failed draft
// job. It rate-limits to at most one alert per 30 seconds to protect
// against burst storms.
func (a *Alerter) PostJobAlert(ctx context.Context, alert notify.Alert) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < 30*time.Second {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	errMsg := alert.Message
	if errMsg == "" {
		errMsg = "unknown"
	}
	summary := alert.Summary
	if summary == "" {
		summary = "(no summary)"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Draft Job Failed",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Job:*\n%s", alert.JobID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Project:*\n%s", alert.ProjectID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Request:*\n%s", summary)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%s", errMsg)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Severity %s, sent at %s", alert.Severity, time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Draft job %s failed: %s", alert.JobID, errMsg),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("job alert posted to Slack", "channel", a.channel, "job_id", alert.JobID)
	return nil
}
