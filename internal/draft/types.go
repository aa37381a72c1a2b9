// Package draft holds the shared domain types for the drafting pipeline:
// jobs, documents, sections, and the read-side project context records.
package draft

import (
	"encoding/json"
	"strings"
	"time"
)

// Job statuses. A job moves queued -> running -> (complete | error); a
// retryable failure moves it running -> queued with the attempt count kept.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobComplete = "complete"
	JobError    = "error"
)

// Document statuses, derived from the section set on every full merge.
const (
	DocDrafting    = "drafting"
	DocNeedsDetail = "needs_detail"
	DocComplete    = "complete"
)

// MaxAttempts is the job-level retry ceiling. A failure on the third
// attempt is terminal and escalates to the alert sink.
const MaxAttempts = 3

// DedupWindow is how far back Enqueue looks for a job with the same
// normalized summary before treating the request as a duplicate.
const DedupWindow = 90 * time.Second

// Job is one unit of drafting work tied to a project and a session.
// Terminal jobs are retained for history, never deleted.
type Job struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	SessionID         string          `json:"session_id"`
	Status            string          `json:"status"`
	Summary           string          `json:"summary"`
	Urgency           string          `json:"urgency"`
	MessagePointers   []string        `json:"message_pointers,omitempty"`
	TranscriptAnchors []string        `json:"transcript_anchors,omitempty"`
	PromptContext     json.RawMessage `json:"prompt_context,omitempty"`
	GeneratedSummary  string          `json:"generated_summary,omitempty"`
	ModelUsage        *Usage          `json:"model_usage,omitempty"`
	AttemptCount      int             `json:"attempt_count"`
	TranscriptCursor  *time.Time      `json:"transcript_cursor,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Error             string          `json:"error,omitempty"`
}

// Active reports whether the job still occupies the project's single flight.
func (j *Job) Active() bool {
	return j.Status == JobQueued || j.Status == JobRunning
}

// PromptContextValue is the decoded shape of Job.PromptContext. Only
// ActiveSection is interpreted by the pipeline; the rest is passed through
// to the prompt assembler verbatim.
type PromptContextValue struct {
	ActiveSection string `json:"active_section,omitempty"`
	Instructions  string `json:"instructions,omitempty"`
}

// ActiveSection decodes the job's prompt context and returns the target
// section heading, or "" when the job is a full-document draft. Producers
// predating the snake_case wire convention sent "activeSection"; both keys
// are accepted.
func (j *Job) ActiveSection() string {
	if len(j.PromptContext) == 0 {
		return ""
	}
	var pc struct {
		PromptContextValue
		LegacyActiveSection string `json:"activeSection"`
	}
	if err := json.Unmarshal(j.PromptContext, &pc); err != nil {
		return ""
	}
	if s := strings.TrimSpace(pc.ActiveSection); s != "" {
		return s
	}
	return strings.TrimSpace(pc.LegacyActiveSection)
}

// Usage is the token accounting reported by the generation model.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// Document is the per-project drafted artifact. One row per project,
// upserted on first write.
type Document struct {
	ProjectID           string    `json:"project_id"`
	LatestDraftMarkdown string    `json:"latest_draft_markdown"`
	Summary             string    `json:"summary,omitempty"`
	Status              string    `json:"status"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Section is a named, ordered, versioned chunk of the document. Heading is
// the identity key, matched case-insensitively; renames go through the
// outline operation only.
type Section struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Heading    string    `json:"heading"`
	Content    string    `json:"content"`
	Order      int       `json:"order"`
	Status     string    `json:"status"`
	Version    int       `json:"version"`
	Locked     bool      `json:"locked"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Workspace bundles a project's document with its ordered sections.
type Workspace struct {
	Document *Document `json:"document"`
	Sections []Section `json:"sections"`
}

// Project, Blueprint, Note, Todo, and SessionMessage are read-only context
// records owned by external collaborators; the pipeline only loads them.

type Project struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Audience    string `json:"audience,omitempty"`
}

type Blueprint struct {
	ProjectID   string   `json:"project_id"`
	Voice       string   `json:"voice,omitempty"`
	Structure   string   `json:"structure,omitempty"`
	Themes      []string `json:"themes,omitempty"`
	Constraints string   `json:"constraints,omitempty"`
}

type Note struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Todo statuses the assembler cares about; anything else is omitted from
// the prompt.
const (
	TodoOpen     = "open"
	TodoInReview = "in_review"
	TodoDone     = "done"
)

type Todo struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	SectionID string    `json:"section_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMessage is one message from the interview session store, used to
// resolve a transcript item's linked message text as fallback.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Key       string    `json:"key,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeSummary folds a job summary for the enqueue dedup comparison.
func NormalizeSummary(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
