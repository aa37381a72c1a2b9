// Package queue manages the draft job lifecycle: enqueue with per-project
// coalescing and deduplication, single-winner claiming, processing, and
// bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/store"
)

// EnqueueRequest is a request for drafting work on a project.
type EnqueueRequest struct {
	ProjectID         string          `json:"project_id"`
	SessionID         string          `json:"session_id"`
	Summary           string          `json:"summary,omitempty"`
	Urgency           string          `json:"urgency,omitempty"`
	MessagePointers   []string        `json:"message_pointers,omitempty"`
	TranscriptAnchors []string        `json:"transcript_anchors,omitempty"`
	PromptContext     json.RawMessage `json:"prompt_context,omitempty"`
}

// Queue owns enqueue semantics. Processing lives on Processor.
type Queue struct {
	store store.DataStore
	now   func() time.Time
}

func NewQueue(s store.DataStore) *Queue {
	return &Queue{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue resolves a drafting request to a job, in order of preference:
// merge into the project's active job, patch a recent duplicate, or insert
// a fresh queued job. At most one queued/running job exists per project;
// a lost insert race falls back to the merge path.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*draft.Job, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("enqueue: project id is required")
	}

	for attempt := 0; attempt < 2; attempt++ {
		if job, err := q.coalesce(ctx, req); err != nil || job != nil {
			return job, err
		}

		if job, err := q.dedupe(ctx, req); err != nil || job != nil {
			return job, err
		}

		now := q.now()
		job := &draft.Job{
			ID:                uuid.New().String(),
			ProjectID:         req.ProjectID,
			SessionID:         req.SessionID,
			Status:            draft.JobQueued,
			Summary:           req.Summary,
			Urgency:           req.Urgency,
			MessagePointers:   req.MessagePointers,
			TranscriptAnchors: req.TranscriptAnchors,
			PromptContext:     req.PromptContext,
			AttemptCount:      0,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		err := q.store.InsertJob(ctx, job)
		if err == nil {
			slog.Info("draft job queued",
				"job_id", job.ID,
				"project_id", job.ProjectID,
				"session_id", job.SessionID,
			)
			return job, nil
		}
		if err == store.ErrActiveJobExists {
			// Another enqueuer won the insert; merge into their job.
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("enqueue: lost insert race twice for project %s", req.ProjectID)
}

// coalesce merges the request into the project's active job, if any:
// pointers and anchors keep the first non-empty value, summary, urgency,
// and context are overwritten when supplied.
func (q *Queue) coalesce(ctx context.Context, req EnqueueRequest) (*draft.Job, error) {
	active, err := q.store.GetActiveJobForProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}

	updates := map[string]any{}
	if req.Summary != "" {
		updates["summary"] = req.Summary
		active.Summary = req.Summary
	}
	if req.Urgency != "" {
		updates["urgency"] = req.Urgency
		active.Urgency = req.Urgency
	}
	if len(active.MessagePointers) == 0 && len(req.MessagePointers) > 0 {
		updates["message_pointers"] = req.MessagePointers
		active.MessagePointers = req.MessagePointers
	}
	if len(active.TranscriptAnchors) == 0 && len(req.TranscriptAnchors) > 0 {
		updates["transcript_anchors"] = req.TranscriptAnchors
		active.TranscriptAnchors = req.TranscriptAnchors
	}
	if len(req.PromptContext) > 0 {
		updates["prompt_context"] = []byte(req.PromptContext)
		active.PromptContext = req.PromptContext
	}

	if len(updates) > 0 {
		if err := q.store.UpdateJob(ctx, active.ID, updates); err != nil {
			return nil, err
		}
	}

	slog.Debug("draft request coalesced into active job",
		"job_id", active.ID,
		"project_id", req.ProjectID,
	)
	return active, nil
}

// dedupe treats a request whose normalized summary matches a job created
// inside the dedup window as a duplicate. The duplicate is returned
// unchanged unless the urgency differs, in which case the new urgency,
// pointers, anchors, and context are patched onto it.
func (q *Queue) dedupe(ctx context.Context, req EnqueueRequest) (*draft.Job, error) {
	normalized := draft.NormalizeSummary(req.Summary)
	if normalized == "" {
		return nil, nil
	}

	since := q.now().Add(-draft.DedupWindow)
	dup, err := q.store.FindRecentJobBySummary(ctx, req.ProjectID, normalized, since)
	if err != nil {
		return nil, err
	}
	if dup == nil {
		return nil, nil
	}

	if req.Urgency != "" && req.Urgency != dup.Urgency {
		updates := map[string]any{"urgency": req.Urgency}
		dup.Urgency = req.Urgency
		if len(req.MessagePointers) > 0 {
			updates["message_pointers"] = req.MessagePointers
			dup.MessagePointers = req.MessagePointers
		}
		if len(req.TranscriptAnchors) > 0 {
			updates["transcript_anchors"] = req.TranscriptAnchors
			dup.TranscriptAnchors = req.TranscriptAnchors
		}
		if len(req.PromptContext) > 0 {
			updates["prompt_context"] = []byte(req.PromptContext)
			dup.PromptContext = req.PromptContext
		}
		if err := q.store.UpdateJob(ctx, dup.ID, updates); err != nil {
			return nil, err
		}
	}

	slog.Debug("duplicate draft request within window",
		"job_id", dup.ID,
		"project_id", req.ProjectID,
	)
	return dup, nil
}
