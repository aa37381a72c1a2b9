package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) (*Client, *[]time.Duration) {
	c := NewClient(url, "sk-test", "drafting-xl")
	var delays []time.Duration
	c.wait = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func TestGenerate_Success(t *testing.T) {
	var gotAuth string
	var gotReq Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		w.Write([]byte(`{"markdown":"## A\n\nBody.\n","summary":"done"}`))
	}))
	defer srv.Close()

	c, delays := newTestClient(srv.URL)
	out, err := c.Generate(context.Background(), "system", "user", 0.4)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if out.Markdown == "" || out.Summary != "done" {
		t.Errorf("unexpected output: %+v", out)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Model != "drafting-xl" || gotReq.SystemPrompt != "system" || gotReq.Temperature != 0.4 {
		t.Errorf("unexpected request: %+v", gotReq)
	}
	if len(*delays) != 0 {
		t.Errorf("no backoff expected on first-attempt success, got %v", *delays)
	}
}

func TestGenerate_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"markdown":"recovered"}`))
	}))
	defer srv.Close()

	c, delays := newTestClient(srv.URL)
	out, err := c.Generate(context.Background(), "s", "u", 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Markdown != "recovered" {
		t.Errorf("markdown = %q", out.Markdown)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	// Backoff doubles: 500ms then 1s.
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestGenerate_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), "s", "u", 0)
	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if calls.Load() != maxTransportAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), maxTransportAttempts)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v, want attempt count in message", err)
	}
}

func TestGenerate_InvalidBodyRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// 200 with an undecodable body still counts as a failed attempt.
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv.URL)
	if _, err := c.Generate(context.Background(), "s", "u", 0); err == nil {
		t.Fatal("expected decode failure to surface")
	}
	if calls.Load() != maxTransportAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), maxTransportAttempts)
	}
}

func TestGenerate_ContextCancelledBetweenAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(srv.URL)
	cancel()

	_, err := c.Generate(ctx, "s", "u", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if err != context.Canceled && !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("error = %v, want context cancellation", err)
	}
}

func TestGenerate_CancelInterruptsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, "sk-test", "drafting-xl")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Generate(ctx, "s", "u", 0)
	if err != context.Canceled {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	// The first backoff is 500ms; cancellation must cut it short.
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Generate blocked %v through a cancelled backoff", elapsed)
	}
}
