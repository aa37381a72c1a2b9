package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quillworks/scribe/internal/docmerge"
	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/model"
	"github.com/quillworks/scribe/internal/notify"
	"github.com/quillworks/scribe/internal/prompt"
	"github.com/quillworks/scribe/internal/store"
	"github.com/quillworks/scribe/internal/transcript"
)

// Outcome reasons reported by ProcessOne.
const (
	ReasonEmpty        = "empty"
	ReasonDryRun       = "dry-run"
	ReasonNoTranscript = "no_transcript"
	ReasonRetry        = "retry"
	ReasonError        = "error"
)

// Batch limits for ProcessBatch.
const (
	DefaultBatchLimit = 3
	MaxBatchLimit     = 10
)

// Outcome is the per-job result of one processing pass.
type Outcome struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// ModelClient is the generation backend as the processor sees it.
type ModelClient interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64) (*model.Output, error)
}

// TelemetrySink receives job status datapoints; best-effort.
type TelemetrySink interface {
	ReportTelemetry(ctx context.Context, ev notify.Telemetry)
}

// AlertSink receives terminal-failure alerts only.
type AlertSink interface {
	SendAlert(ctx context.Context, alert notify.Alert)
}

// ProgressSink receives tool-style progress events; best-effort.
type ProgressSink interface {
	PublishProgress(ctx context.Context, ev notify.Progress)
}

// Config tunes the processor.
type Config struct {
	Temperature float64
}

// Processor claims and runs draft jobs end to end: context load, prompt
// assembly, model call, document merge, completion bookkeeping.
type Processor struct {
	store     store.DataStore
	merger    *docmerge.Engine
	modelc    ModelClient
	telemetry TelemetrySink
	alerts    AlertSink
	progress  ProgressSink
	cfg       Config
	now       func() time.Time
}

func NewProcessor(s store.DataStore, merger *docmerge.Engine, mc ModelClient, t TelemetrySink, a AlertSink, p ProgressSink, cfg Config) *Processor {
	return &Processor{
		store:     s,
		merger:    merger,
		modelc:    mc,
		telemetry: t,
		alerts:    a,
		progress:  p,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch runs up to limit jobs, stopping early once the queue is
// empty. The limit is clamped to 1..MaxBatchLimit, defaulting when zero.
func (p *Processor) ProcessBatch(ctx context.Context, limit int, dryRun bool) []Outcome {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if limit > MaxBatchLimit {
		limit = MaxBatchLimit
	}

	var outcomes []Outcome
	for i := 0; i < limit; i++ {
		out := p.ProcessOne(ctx, dryRun)
		outcomes = append(outcomes, out)
		if !out.Processed && out.Reason == ReasonEmpty {
			break
		}
	}
	return outcomes
}

// ProcessOne claims the oldest queued job and drives it to completion or
// failure. Returns reason "empty" when nothing is queued.
func (p *Processor) ProcessOne(ctx context.Context, dryRun bool) Outcome {
	job, err := p.store.ClaimNextJob(ctx)
	if err != nil {
		slog.Error("claim failed", "error", err)
		return Outcome{Processed: false, Reason: ReasonError}
	}
	if job == nil {
		return Outcome{Processed: false, Reason: ReasonEmpty}
	}

	start := p.now()
	preClaimAttempts := job.AttemptCount - 1

	p.telemetry.ReportTelemetry(ctx, notify.Telemetry{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		SessionID: job.SessionID,
		Status:    draft.JobRunning,
		Attempts:  job.AttemptCount,
		Timestamp: start,
	})

	pctx, err := p.loadContext(ctx, job)
	if err != nil {
		return p.fail(ctx, job, start, fmt.Errorf("load context: %w", err))
	}

	// A job claimed before its transcript has any content is not a
	// failure: hand the attempt back and let a later batch find it.
	if !hasExtractableText(pctx.items, pctx.messages) {
		p.requeueUncounted(ctx, job, preClaimAttempts)
		slog.Info("transcript has no content yet, job re-queued",
			"job_id", job.ID,
			"project_id", job.ProjectID,
		)
		return Outcome{Processed: false, Reason: ReasonNoTranscript, JobID: job.ID}
	}

	assembled := prompt.Assemble(prompt.Input{
		Project:    pctx.project,
		Blueprint:  pctx.blueprint,
		Document:   pctx.workspace.Document,
		Sections:   pctx.workspace.Sections,
		Notes:      pctx.notes,
		Todos:      pctx.todos,
		Transcript: pctx.items,
		Job:        job,
		Messages:   pctx.messages,
	})

	if dryRun {
		p.requeueUncounted(ctx, job, preClaimAttempts)
		slog.Info("dry run: prompt assembled, model call skipped",
			"job_id", job.ID,
			"estimated_tokens", assembled.EstimatedTokens,
		)
		return Outcome{Processed: false, Reason: ReasonDryRun, JobID: job.ID}
	}

	out, err := p.modelc.Generate(ctx, assembled.SystemPrompt, assembled.UserPrompt, p.cfg.Temperature)
	if err != nil {
		return p.fail(ctx, job, start, err)
	}

	if err := p.applyOutput(ctx, job, out); err != nil {
		return p.fail(ctx, job, start, err)
	}

	p.complete(ctx, job, start, assembled.EstimatedTokens, out, pctx.cursor)
	return Outcome{Processed: true, JobID: job.ID}
}

// processContext is everything loaded for one job.
type processContext struct {
	workspace *draft.Workspace
	project   *draft.Project
	blueprint *draft.Blueprint
	notes     []draft.Note
	todos     []draft.Todo
	items     []transcript.Item
	messages  map[string]draft.SessionMessage
	cursor    *time.Time
}

func (p *Processor) loadContext(ctx context.Context, job *draft.Job) (*processContext, error) {
	ws, err := p.merger.GetWorkspace(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	project, err := p.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	blueprint, err := p.store.GetBlueprint(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	notes, err := p.store.ListNotes(ctx, job.ProjectID, 8)
	if err != nil {
		return nil, err
	}
	todos, err := p.store.ListTodos(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}

	records, err := p.store.ListTranscripts(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	var (
		items  []transcript.Item
		cursor *time.Time
	)
	for _, rec := range records {
		items = append(items, transcript.ReconstructOrder(rec.Items)...)
		if cursor == nil || rec.UpdatedAt.After(*cursor) {
			t := rec.UpdatedAt
			cursor = &t
		}
	}

	msgs, err := p.store.ListSessionMessages(ctx, job.SessionID)
	if err != nil {
		return nil, err
	}
	lookup := make(map[string]draft.SessionMessage, len(msgs)*2)
	for _, m := range msgs {
		lookup[m.ID] = m
		if m.Key != "" {
			lookup[m.Key] = m
		}
	}

	return &processContext{
		workspace: ws,
		project:   project,
		blueprint: blueprint,
		notes:     notes,
		todos:     todos,
		items:     items,
		messages:  lookup,
		cursor:    cursor,
	}, nil
}

// hasExtractableText reports whether any transcript item carries text,
// directly or through its linked session message.
func hasExtractableText(items []transcript.Item, messages map[string]draft.SessionMessage) bool {
	for _, it := range items {
		if strings.TrimSpace(it.Text) != "" {
			return true
		}
		if it.MessageID != "" {
			if m, ok := messages[it.MessageID]; ok && strings.TrimSpace(m.Text) != "" {
				return true
			}
		}
		if it.MessageKey != "" {
			if m, ok := messages[it.MessageKey]; ok && strings.TrimSpace(m.Text) != "" {
				return true
			}
		}
	}
	return false
}

// applyOutput hands the validated model output to the merge engine, in
// section-scoped or full mode depending on the job's prompt context.
func (p *Processor) applyOutput(ctx context.Context, job *draft.Job, out *model.Output) error {
	active := job.ActiveSection()
	if active != "" {
		content := out.Markdown
		status := ""
		for _, sec := range out.Sections {
			if strings.EqualFold(strings.TrimSpace(sec.Heading), active) {
				content = sec.Content
				status = sec.Status
				break
			}
		}
		return p.merger.ApplySectionEdit(ctx, job.ProjectID, active, content, status, out.Summary)
	}

	ins := make([]docmerge.SectionInput, len(out.Sections))
	for i, sec := range out.Sections {
		ins[i] = docmerge.SectionInput{
			Heading: sec.Heading,
			Content: sec.Content,
			Status:  sec.Status,
			Order:   sec.Order,
		}
	}
	return p.merger.ApplyFullEdits(ctx, job.ProjectID, out.Markdown, ins, out.Summary)
}

// requeueUncounted returns a claimed job to the queue without consuming a
// retry attempt.
func (p *Processor) requeueUncounted(ctx context.Context, job *draft.Job, attempts int) {
	err := p.store.UpdateJob(ctx, job.ID, map[string]any{
		"status":        draft.JobQueued,
		"attempt_count": attempts,
	})
	if err != nil {
		slog.Error("failed to re-queue job", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) complete(ctx context.Context, job *draft.Job, start time.Time, promptTokens int, out *model.Output, cursor *time.Time) {
	now := p.now()
	duration := now.Sub(start)

	var usage *draft.Usage
	totalTokens := 0
	if out.Usage != nil {
		usage = &draft.Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.TotalTokens,
		}
		totalTokens = out.Usage.TotalTokens
	}

	updates := map[string]any{
		"status":            draft.JobComplete,
		"completed_at":      &now,
		"generated_summary": out.Summary,
	}
	if usage != nil {
		updates["model_usage"] = usage
	}
	if cursor != nil {
		updates["transcript_cursor"] = cursor
	}
	if err := p.store.UpdateJob(ctx, job.ID, updates); err != nil {
		slog.Error("failed to mark job complete", "job_id", job.ID, "error", err)
	}

	p.telemetry.ReportTelemetry(ctx, notify.Telemetry{
		JobID:        job.ID,
		ProjectID:    job.ProjectID,
		SessionID:    job.SessionID,
		Status:       draft.JobComplete,
		DurationMs:   duration.Milliseconds(),
		Attempts:     job.AttemptCount,
		PromptTokens: promptTokens,
		Tokens:       totalTokens,
		Timestamp:    now,
	})
	p.publishProgress(ctx, job, draft.JobComplete, out, "")

	slog.Info("draft job complete",
		"job_id", job.ID,
		"project_id", job.ProjectID,
		"duration_ms", duration.Milliseconds(),
		"attempts", job.AttemptCount,
	)
}

// fail applies the retry policy: under the attempt ceiling the job goes
// back to queued with the error attached for diagnostics; at the ceiling
// it turns terminal and escalates to the alert sink.
func (p *Processor) fail(ctx context.Context, job *draft.Job, start time.Time, cause error) Outcome {
	now := p.now()
	duration := now.Sub(start)
	msg := cause.Error()

	terminal := job.AttemptCount >= draft.MaxAttempts

	if terminal {
		err := p.store.UpdateJob(ctx, job.ID, map[string]any{
			"status":       draft.JobError,
			"error":        msg,
			"completed_at": &now,
		})
		if err != nil {
			slog.Error("failed to mark job errored", "job_id", job.ID, "error", err)
		}
		p.alerts.SendAlert(ctx, notify.Alert{
			JobID:     job.ID,
			ProjectID: job.ProjectID,
			SessionID: job.SessionID,
			Message:   msg,
			Severity:  "error",
			Summary:   job.Summary,
		})
		slog.Error("draft job failed terminally",
			"job_id", job.ID,
			"project_id", job.ProjectID,
			"attempts", job.AttemptCount,
			"error", msg,
		)
	} else {
		err := p.store.UpdateJob(ctx, job.ID, map[string]any{
			"status": draft.JobQueued,
			"error":  msg,
		})
		if err != nil {
			slog.Error("failed to re-queue failed job", "job_id", job.ID, "error", err)
		}
		slog.Warn("draft job failed, will retry",
			"job_id", job.ID,
			"project_id", job.ProjectID,
			"attempts", job.AttemptCount,
			"error", msg,
		)
	}

	p.telemetry.ReportTelemetry(ctx, notify.Telemetry{
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		SessionID:  job.SessionID,
		Status:     draft.JobError,
		DurationMs: duration.Milliseconds(),
		Attempts:   job.AttemptCount,
		Timestamp:  now,
	})
	p.publishProgress(ctx, job, draft.JobError, nil, msg)

	if terminal {
		return Outcome{Processed: false, Reason: ReasonError, JobID: job.ID}
	}
	return Outcome{Processed: false, Reason: ReasonRetry, JobID: job.ID}
}

func (p *Processor) publishProgress(ctx context.Context, job *draft.Job, status string, out *model.Output, errMsg string) {
	ev := notify.Progress{
		Tool:         "draft_document",
		JobID:        job.ID,
		ProjectID:    job.ProjectID,
		Status:       status,
		Error:        errMsg,
		AttemptCount: job.AttemptCount,
		Timestamp:    p.now(),
	}
	if out != nil {
		ev.Summary = out.Summary
		for _, sec := range out.Sections {
			ev.Sections = append(ev.Sections, sec.Heading)
		}
	}
	p.progress.PublishProgress(ctx, ev)
}
