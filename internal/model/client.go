// Package model calls the external generation service and decodes its
// structured output. Transport retries live here; job-level retries are
// the queue's concern.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Request is the wire contract for one generation call.
type Request struct {
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// SectionEdit is one section in the model's structured output.
type SectionEdit struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
	Order   *int   `json:"order,omitempty"`
}

// Output is the validated result of a generation call. Markdown is
// mandatory; a response without it is invalid and retryable.
type Output struct {
	Markdown string        `json:"markdown"`
	Sections []SectionEdit `json:"sections"`
	Summary  string        `json:"summary,omitempty"`
	Usage    *UsageInfo    `json:"usage,omitempty"`
}

// UsageInfo is the token accounting block, when the backend reports one.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

const (
	maxTransportAttempts = 3
	backoffBase          = 500 * time.Millisecond
	requestTimeout       = 120 * time.Second
)

// Client posts generation requests with bounded retries and exponential
// backoff. Safe for concurrent use.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client

	// wait is swappable in tests.
	wait func(ctx context.Context, d time.Duration) error
}

func NewClient(endpoint, apiKey, modelName string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    modelName,
		client:   &http.Client{Timeout: requestTimeout},
		wait:     waitBackoff,
	}
}

// waitBackoff sleeps for d unless the context ends first.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Generate issues the model call. Network errors, non-2xx statuses, and
// undecodable bodies are retried up to maxTransportAttempts with the delay
// doubling each attempt; exhaustion surfaces as a single error for the
// job-level retry to handle.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (*Output, error) {
	body, err := json.Marshal(Request{
		Model:        c.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal model request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffBase << (attempt - 2)
			slog.Warn("model call retrying",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := c.wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		out, err := c.post(ctx, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("model call failed after %d attempts: %w", maxTransportAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (*Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post model request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model returned %d: %s", resp.StatusCode, snippet(raw))
	}

	out, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func snippet(raw []byte) string {
	const n = 200
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
