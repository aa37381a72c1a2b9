package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillworks/scribe/internal/docmerge"
	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/model"
	"github.com/quillworks/scribe/internal/notify"
	"github.com/quillworks/scribe/internal/testutil"
	"github.com/quillworks/scribe/internal/transcript"
)

type stubModel struct {
	mu      sync.Mutex
	calls   int
	outputs []*model.Output
	errs    []error
}

func (s *stubModel) Generate(_ context.Context, _, _ string, _ float64) (*model.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var out *model.Output
	var err error
	if i < len(s.outputs) {
		out = s.outputs[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return out, err
}

type captureSinks struct {
	mu        sync.Mutex
	telemetry []notify.Telemetry
	alerts    []notify.Alert
	progress  []notify.Progress
}

func (c *captureSinks) ReportTelemetry(_ context.Context, ev notify.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telemetry = append(c.telemetry, ev)
}

func (c *captureSinks) SendAlert(_ context.Context, alert notify.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

func (c *captureSinks) PublishProgress(_ context.Context, ev notify.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, ev)
}

func newTestProcessor(t *testing.T, sm *stubModel) (*Processor, *testutil.MemStore, *captureSinks) {
	t.Helper()
	ms := testutil.NewMemStore()
	sinks := &captureSinks{}
	p := NewProcessor(ms, docmerge.NewEngine(ms), sm, sinks, sinks, sinks, Config{Temperature: 0.4})
	return p, ms, sinks
}

func seedTranscript(t *testing.T, ms *testutil.MemStore, projectID, sessionID string, texts ...string) {
	t.Helper()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := &transcript.Record{
		ProjectID: projectID,
		SessionID: sessionID,
		CreatedAt: base,
		UpdatedAt: base.Add(time.Minute),
	}
	prev := ""
	for i, text := range texts {
		id := projectID + "-item-" + string(rune('a'+i))
		rec.Items = append(rec.Items, transcript.Item{
			ID:             id,
			PreviousItemID: prev,
			Role:           "user",
			Status:         "completed",
			Type:           "message",
			Text:           text,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		prev = id
	}
	if err := ms.SaveTranscript(context.Background(), rec); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
}

func queueJob(t *testing.T, ms *testutil.MemStore, job *draft.Job) {
	t.Helper()
	if job.Status == "" {
		job.Status = draft.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC)
	}
	if err := ms.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
}

func TestProcessOneEmptyQueue(t *testing.T) {
	p, _, sinks := newTestProcessor(t, &stubModel{})

	out := p.ProcessOne(context.Background(), false)
	if out.Processed || out.Reason != ReasonEmpty {
		t.Fatalf("outcome = %+v, want empty", out)
	}
	if len(sinks.telemetry) != 0 {
		t.Fatalf("telemetry on empty queue: %+v", sinks.telemetry)
	}
}

func TestProcessOneNoTranscriptLeavesJobQueued(t *testing.T) {
	sm := &stubModel{}
	p, ms, _ := newTestProcessor(t, sm)
	ctx := context.Background()

	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "draft intro"})
	// A transcript whose items all carry empty text is not draftable.
	seedTranscript(t, ms, "p1", "s1", "", "  ")

	out := p.ProcessOne(ctx, false)
	if out.Processed || out.Reason != ReasonNoTranscript {
		t.Fatalf("outcome = %+v, want no_transcript", out)
	}

	job, _ := ms.GetJob(ctx, "j1")
	if job.Status != draft.JobQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	if job.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0 (claim must not consume an attempt)", job.AttemptCount)
	}
	if sm.calls != 0 {
		t.Fatalf("model called %d times, want 0", sm.calls)
	}
}

func TestProcessOneDryRunSkipsModel(t *testing.T) {
	sm := &stubModel{}
	p, ms, _ := newTestProcessor(t, sm)
	ctx := context.Background()

	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "draft intro"})
	seedTranscript(t, ms, "p1", "s1", "We should open with the storm.")

	out := p.ProcessOne(ctx, true)
	if out.Processed || out.Reason != ReasonDryRun {
		t.Fatalf("outcome = %+v, want dry-run", out)
	}
	job, _ := ms.GetJob(ctx, "j1")
	if job.Status != draft.JobQueued || job.AttemptCount != 0 {
		t.Fatalf("job after dry run = status %q attempts %d, want queued/0", job.Status, job.AttemptCount)
	}
	if sm.calls != 0 {
		t.Fatalf("model called %d times during dry run", sm.calls)
	}
}

func TestProcessOneSuccessWritesWorkspace(t *testing.T) {
	sm := &stubModel{outputs: []*model.Output{{
		Markdown: "## Introduction\n\nThe storm broke at dawn.\n",
		Sections: []model.SectionEdit{{
			Heading: "Introduction",
			Content: "The storm broke at dawn.",
			Status:  "drafting",
		}},
		Summary: "Drafted the opening scene.",
		Usage:   &model.UsageInfo{InputTokens: 900, OutputTokens: 200, TotalTokens: 1100},
	}}}
	p, ms, sinks := newTestProcessor(t, sm)
	ctx := context.Background()

	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "draft intro"})
	seedTranscript(t, ms, "p1", "s1", "We should open with the storm.")

	out := p.ProcessOne(ctx, false)
	if !out.Processed || out.JobID != "j1" {
		t.Fatalf("outcome = %+v, want processed j1", out)
	}

	job, _ := ms.GetJob(ctx, "j1")
	if job.Status != draft.JobComplete {
		t.Fatalf("status = %q, want complete", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", job.AttemptCount)
	}
	if job.GeneratedSummary != "Drafted the opening scene." {
		t.Fatalf("generated summary = %q", job.GeneratedSummary)
	}
	if job.ModelUsage == nil || job.ModelUsage.TotalTokens != 1100 {
		t.Fatalf("model usage = %+v, want 1100 total", job.ModelUsage)
	}
	if job.TranscriptCursor == nil {
		t.Fatal("transcript cursor not recorded")
	}

	doc, _ := ms.GetDocument(ctx, "p1")
	if doc == nil || !strings.Contains(doc.LatestDraftMarkdown, "The storm broke at dawn.") {
		t.Fatalf("document not written: %+v", doc)
	}

	if len(sinks.alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", sinks.alerts)
	}
	last := sinks.telemetry[len(sinks.telemetry)-1]
	if last.Status != draft.JobComplete || last.Tokens != 1100 {
		t.Fatalf("final telemetry = %+v", last)
	}
	if len(sinks.progress) != 1 || sinks.progress[0].Status != draft.JobComplete {
		t.Fatalf("progress events = %+v", sinks.progress)
	}
}

func TestProcessOneSectionScopedEdit(t *testing.T) {
	sm := &stubModel{outputs: []*model.Output{{
		Markdown: "The storm broke at dawn, harder than forecast.",
		Sections: []model.SectionEdit{{
			Heading: "Introduction",
			Content: "The storm broke at dawn, harder than forecast.",
			Status:  "complete",
		}},
		Summary: "Tightened the opening.",
	}}}
	p, ms, _ := newTestProcessor(t, sm)
	ctx := context.Background()

	doc := &draft.Document{ProjectID: "p1", Status: draft.DocDrafting,
		LatestDraftMarkdown: "## Introduction\n\nOld opening.\n\n## Middle\n\nKeep me.\n"}
	if err := ms.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	ms.SeedSection(draft.Section{ID: "sec1", DocumentID: "p1", Heading: "Introduction", Content: "Old opening.", Order: 0, Status: draft.DocDrafting, Version: 1})
	ms.SeedSection(draft.Section{ID: "sec2", DocumentID: "p1", Heading: "Middle", Content: "Keep me.", Order: 1, Status: draft.DocDrafting, Version: 1})

	pc, _ := json.Marshal(map[string]string{"active_section": "Introduction"})
	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "rework intro", PromptContext: pc})
	seedTranscript(t, ms, "p1", "s1", "Make the opening hit harder.")

	out := p.ProcessOne(ctx, false)
	if !out.Processed {
		t.Fatalf("outcome = %+v, want processed", out)
	}

	sections, _ := ms.ListSections(ctx, "p1")
	var intro, middle *draft.Section
	for i := range sections {
		switch sections[i].Heading {
		case "Introduction":
			intro = &sections[i]
		case "Middle":
			middle = &sections[i]
		}
	}
	if intro == nil || intro.Content != "The storm broke at dawn, harder than forecast." {
		t.Fatalf("intro not updated: %+v", intro)
	}
	if intro.Version != 2 {
		t.Fatalf("intro version = %d, want 2", intro.Version)
	}
	if middle == nil || middle.Content != "Keep me." || middle.Version != 1 {
		t.Fatalf("untouched section changed: %+v", middle)
	}

	updated, _ := ms.GetDocument(ctx, "p1")
	if !strings.Contains(updated.LatestDraftMarkdown, "Keep me.") {
		t.Fatalf("sibling section lost from markdown: %q", updated.LatestDraftMarkdown)
	}
	if strings.Contains(updated.LatestDraftMarkdown, "Old opening.") {
		t.Fatalf("stale body survived: %q", updated.LatestDraftMarkdown)
	}
}

func TestProcessOneRetriesThenSucceeds(t *testing.T) {
	sm := &stubModel{
		outputs: []*model.Output{nil, nil, {
			Markdown: "## Introduction\n\nFinally.\n",
			Summary:  "Drafted after retries.",
		}},
		errs: []error{errors.New("backend timeout"), errors.New("backend timeout"), nil},
	}
	p, ms, sinks := newTestProcessor(t, sm)
	ctx := context.Background()

	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "draft intro"})
	seedTranscript(t, ms, "p1", "s1", "We should open with the storm.")

	for attempt := 1; attempt <= 2; attempt++ {
		out := p.ProcessOne(ctx, false)
		if out.Processed || out.Reason != ReasonRetry {
			t.Fatalf("attempt %d outcome = %+v, want retry", attempt, out)
		}
		job, _ := ms.GetJob(ctx, "j1")
		if job.Status != draft.JobQueued {
			t.Fatalf("attempt %d: status = %q, want queued", attempt, job.Status)
		}
		if job.Error == "" {
			t.Fatalf("attempt %d: error text not recorded", attempt)
		}
	}

	out := p.ProcessOne(ctx, false)
	if !out.Processed {
		t.Fatalf("third attempt outcome = %+v, want processed", out)
	}
	job, _ := ms.GetJob(ctx, "j1")
	if job.Status != draft.JobComplete {
		t.Fatalf("status = %q, want complete", job.Status)
	}
	if job.AttemptCount != draft.MaxAttempts {
		t.Fatalf("attempt count = %d, want %d", job.AttemptCount, draft.MaxAttempts)
	}
	if len(sinks.alerts) != 0 {
		t.Fatalf("recovered job must not alert: %+v", sinks.alerts)
	}
}

func TestProcessOneTerminalFailureAlertsOnce(t *testing.T) {
	boom := errors.New("backend down")
	sm := &stubModel{errs: []error{boom, boom, boom}}
	p, ms, sinks := newTestProcessor(t, sm)
	ctx := context.Background()

	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "draft intro"})
	seedTranscript(t, ms, "p1", "s1", "We should open with the storm.")

	var last Outcome
	for i := 0; i < draft.MaxAttempts; i++ {
		last = p.ProcessOne(ctx, false)
	}
	if last.Processed || last.Reason != ReasonError {
		t.Fatalf("final outcome = %+v, want error", last)
	}

	job, _ := ms.GetJob(ctx, "j1")
	if job.Status != draft.JobError {
		t.Fatalf("status = %q, want error", job.Status)
	}
	if job.AttemptCount != draft.MaxAttempts {
		t.Fatalf("attempt count = %d, want %d", job.AttemptCount, draft.MaxAttempts)
	}
	if !strings.Contains(job.Error, "backend down") {
		t.Fatalf("error = %q, want cause preserved", job.Error)
	}
	if job.CompletedAt == nil {
		t.Fatal("terminal job missing completed_at")
	}

	if len(sinks.alerts) != 1 {
		t.Fatalf("alert count = %d, want exactly 1", len(sinks.alerts))
	}
	alert := sinks.alerts[0]
	if alert.Severity != "error" || alert.JobID != "j1" {
		t.Fatalf("alert = %+v", alert)
	}

	// A dead job must not be claimable again.
	if out := p.ProcessOne(ctx, false); out.Reason != ReasonEmpty {
		t.Fatalf("post-terminal outcome = %+v, want empty", out)
	}
}

func TestProcessBatchStopsWhenQueueDrains(t *testing.T) {
	sm := &stubModel{outputs: []*model.Output{{Markdown: "## A\n\nBody.\n"}}}
	p, ms, _ := newTestProcessor(t, sm)
	ctx := context.Background()

	queueJob(t, ms, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Summary: "draft intro"})
	seedTranscript(t, ms, "p1", "s1", "Open with the storm.")

	outcomes := p.ProcessBatch(ctx, 5, false)
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %+v, want processed then empty", outcomes)
	}
	if !outcomes[0].Processed {
		t.Fatalf("first outcome = %+v, want processed", outcomes[0])
	}
	if outcomes[1].Reason != ReasonEmpty {
		t.Fatalf("second outcome = %+v, want empty", outcomes[1])
	}
}

func TestProcessBatchClampsLimit(t *testing.T) {
	p, _, _ := newTestProcessor(t, &stubModel{})

	if got := p.ProcessBatch(context.Background(), 0, false); len(got) != 1 {
		t.Fatalf("default limit run = %d outcomes, want 1 (empty short-circuit)", len(got))
	}
	if got := p.ProcessBatch(context.Background(), 100, false); len(got) != 1 {
		t.Fatalf("clamped run = %d outcomes, want 1 (empty short-circuit)", len(got))
	}
}
