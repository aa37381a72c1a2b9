package store

import (
	"context"
	"errors"
	"time"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/transcript"
)

// ErrActiveJobExists is returned by InsertJob when the project already has
// a queued or running job. The unique partial index enforces this in the
// database, so concurrent enqueuers cannot both win.
var ErrActiveJobExists = errors.New("project already has an active draft job")

// DataStore is the interface consumed by the queue, merge engine, and API.
// The concrete implementation is *Store (pgx-backed); tests use the
// in-memory implementation in internal/testutil.
type DataStore interface {
	// Draft jobs.
	InsertJob(ctx context.Context, job *draft.Job) error
	GetJob(ctx context.Context, id string) (*draft.Job, error)
	GetActiveJobForProject(ctx context.Context, projectID string) (*draft.Job, error)
	FindRecentJobBySummary(ctx context.Context, projectID, normalizedSummary string, since time.Time) (*draft.Job, error)
	UpdateJob(ctx context.Context, id string, updates map[string]any) error
	ClaimNextJob(ctx context.Context) (*draft.Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]draft.Job, error)

	// Documents and sections.
	GetDocument(ctx context.Context, projectID string) (*draft.Document, error)
	UpsertDocument(ctx context.Context, doc *draft.Document) error
	ListSections(ctx context.Context, documentID string) ([]draft.Section, error)
	InsertSection(ctx context.Context, sec *draft.Section) error
	UpdateSection(ctx context.Context, id string, updates map[string]any) error
	DeleteSection(ctx context.Context, id string) error

	// Transcript records.
	GetTranscript(ctx context.Context, projectID, sessionID string) (*transcript.Record, error)
	SaveTranscript(ctx context.Context, rec *transcript.Record) error
	ListTranscripts(ctx context.Context, projectID string) ([]transcript.Record, error)
	AllTranscripts(ctx context.Context) ([]transcript.Record, error)

	// Read-side project context, owned by external collaborators.
	GetProject(ctx context.Context, id string) (*draft.Project, error)
	GetBlueprint(ctx context.Context, projectID string) (*draft.Blueprint, error)
	ListNotes(ctx context.Context, projectID string, limit int) ([]draft.Note, error)
	ListTodos(ctx context.Context, projectID string) ([]draft.Todo, error)
	ListSessionMessages(ctx context.Context, sessionID string) ([]draft.SessionMessage, error)

	Close()
}
