// Package store is the Postgres persistence layer for the drafting
// pipeline. All job-state transitions that carry correctness weight
// (single-flight enqueue, single-winner claim) are expressed as conditional
// SQL so concurrent callers cannot race.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/transcript"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const jobColumns = `id, project_id, session_id, status, summary, urgency,
	message_pointers, transcript_anchors, prompt_context, generated_summary,
	model_usage, attempt_count, transcript_cursor, created_at, started_at,
	completed_at, updated_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*draft.Job, error) {
	var (
		j          draft.Job
		promptCtx  []byte
		modelUsage []byte
	)
	err := row.Scan(&j.ID, &j.ProjectID, &j.SessionID, &j.Status, &j.Summary,
		&j.Urgency, &j.MessagePointers, &j.TranscriptAnchors, &promptCtx,
		&j.GeneratedSummary, &modelUsage, &j.AttemptCount, &j.TranscriptCursor,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt, &j.Error)
	if err != nil {
		return nil, err
	}
	if len(promptCtx) > 0 {
		j.PromptContext = json.RawMessage(promptCtx)
	}
	if len(modelUsage) > 0 {
		var u draft.Usage
		if err := json.Unmarshal(modelUsage, &u); err == nil {
			j.ModelUsage = &u
		}
	}
	return &j, nil
}

// InsertJob inserts a new queued job. The partial unique index on
// (project_id) for active statuses turns a lost enqueue race into
// ErrActiveJobExists instead of a duplicate job.
func (s *Store) InsertJob(ctx context.Context, job *draft.Job) error {
	var usage []byte
	if job.ModelUsage != nil {
		usage, _ = json.Marshal(job.ModelUsage)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO draft_jobs (id, project_id, session_id, status, summary,
			normalized_summary, urgency, message_pointers, transcript_anchors,
			prompt_context, generated_summary, model_usage, attempt_count,
			transcript_cursor, created_at, started_at, completed_at, updated_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, job.ID, job.ProjectID, job.SessionID, job.Status, job.Summary,
		draft.NormalizeSummary(job.Summary), job.Urgency,
		textArray(job.MessagePointers), textArray(job.TranscriptAnchors),
		rawOrNil(job.PromptContext), job.GeneratedSummary, usage,
		job.AttemptCount, job.TranscriptCursor, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.UpdatedAt, job.Error)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*draft.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM draft_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) GetActiveJobForProject(ctx context.Context, projectID string) (*draft.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM draft_jobs
		WHERE project_id = $1 AND status IN ('queued', 'running')
		LIMIT 1`, projectID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job for %s: %w", projectID, err)
	}
	return j, nil
}

func (s *Store) FindRecentJobBySummary(ctx context.Context, projectID, normalizedSummary string, since time.Time) (*draft.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM draft_jobs
		WHERE project_id = $1 AND normalized_summary = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`, projectID, normalizedSummary, since)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recent job for %s: %w", projectID, err)
	}
	return j, nil
}

// UpdateJob applies individual field updates to the job row.
func (s *Store) UpdateJob(ctx context.Context, id string, updates map[string]any) error {
	for field, value := range updates {
		var q string
		switch field {
		case "status":
			q = `UPDATE draft_jobs SET status = $2, updated_at = now() WHERE id = $1`
		case "summary":
			q = `UPDATE draft_jobs SET summary = $2, normalized_summary = lower(btrim($2)), updated_at = now() WHERE id = $1`
		case "urgency":
			q = `UPDATE draft_jobs SET urgency = $2, updated_at = now() WHERE id = $1`
		case "message_pointers":
			q = `UPDATE draft_jobs SET message_pointers = $2, updated_at = now() WHERE id = $1`
		case "transcript_anchors":
			q = `UPDATE draft_jobs SET transcript_anchors = $2, updated_at = now() WHERE id = $1`
		case "prompt_context":
			q = `UPDATE draft_jobs SET prompt_context = $2, updated_at = now() WHERE id = $1`
		case "generated_summary":
			q = `UPDATE draft_jobs SET generated_summary = $2, updated_at = now() WHERE id = $1`
		case "model_usage":
			q = `UPDATE draft_jobs SET model_usage = $2, updated_at = now() WHERE id = $1`
		case "attempt_count":
			q = `UPDATE draft_jobs SET attempt_count = $2, updated_at = now() WHERE id = $1`
		case "transcript_cursor":
			q = `UPDATE draft_jobs SET transcript_cursor = $2, updated_at = now() WHERE id = $1`
		case "started_at":
			q = `UPDATE draft_jobs SET started_at = $2, updated_at = now() WHERE id = $1`
		case "completed_at":
			q = `UPDATE draft_jobs SET completed_at = $2, updated_at = now() WHERE id = $1`
		case "error":
			q = `UPDATE draft_jobs SET error = $2, updated_at = now() WHERE id = $1`
		default:
			continue
		}
		if _, err := s.pool.Exec(ctx, q, id, value); err != nil {
			return fmt.Errorf("update job field %s: %w", field, err)
		}
	}
	return nil
}

// ClaimNextJob atomically claims the oldest queued job across all projects.
// The SKIP LOCKED subselect guarantees single-winner semantics: two
// concurrent callers never receive the same job. Returns nil when the
// queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context) (*draft.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE draft_jobs
		SET status = 'running',
		    started_at = now(),
		    error = '',
		    attempt_count = attempt_count + 1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM draft_jobs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]draft.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM draft_jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []draft.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, projectID string) (*draft.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, latest_draft_markdown, summary, status, updated_at
		FROM documents WHERE project_id = $1`, projectID)
	var d draft.Document
	err := row.Scan(&d.ProjectID, &d.LatestDraftMarkdown, &d.Summary, &d.Status, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", projectID, err)
	}
	return &d, nil
}

func (s *Store) UpsertDocument(ctx context.Context, doc *draft.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (project_id, latest_draft_markdown, summary, status, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (project_id) DO UPDATE SET
			latest_draft_markdown = EXCLUDED.latest_draft_markdown,
			summary = EXCLUDED.summary,
			status = EXCLUDED.status,
			updated_at = now()
	`, doc.ProjectID, doc.LatestDraftMarkdown, doc.Summary, doc.Status)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ProjectID, err)
	}
	return nil
}

func (s *Store) ListSections(ctx context.Context, documentID string) ([]draft.Section, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, heading, content, ord, status, version, locked, updated_at
		FROM document_sections WHERE document_id = $1 ORDER BY ord`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var sections []draft.Section
	for rows.Next() {
		var sec draft.Section
		if err := rows.Scan(&sec.ID, &sec.DocumentID, &sec.Heading, &sec.Content,
			&sec.Order, &sec.Status, &sec.Version, &sec.Locked, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

func (s *Store) InsertSection(ctx context.Context, sec *draft.Section) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_sections (id, document_id, heading, content, ord, status, version, locked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, sec.ID, sec.DocumentID, sec.Heading, sec.Content, sec.Order, sec.Status, sec.Version, sec.Locked)
	if err != nil {
		return fmt.Errorf("insert section %q: %w", sec.Heading, err)
	}
	return nil
}

func (s *Store) UpdateSection(ctx context.Context, id string, updates map[string]any) error {
	for field, value := range updates {
		var q string
		switch field {
		case "heading":
			q = `UPDATE document_sections SET heading = $2, updated_at = now() WHERE id = $1`
		case "content":
			q = `UPDATE document_sections SET content = $2, updated_at = now() WHERE id = $1`
		case "ord":
			q = `UPDATE document_sections SET ord = $2, updated_at = now() WHERE id = $1`
		case "status":
			q = `UPDATE document_sections SET status = $2, updated_at = now() WHERE id = $1`
		case "version":
			q = `UPDATE document_sections SET version = $2, updated_at = now() WHERE id = $1`
		case "locked":
			q = `UPDATE document_sections SET locked = $2, updated_at = now() WHERE id = $1`
		default:
			continue
		}
		if _, err := s.pool.Exec(ctx, q, id, value); err != nil {
			return fmt.Errorf("update section field %s: %w", field, err)
		}
	}
	return nil
}

func (s *Store) DeleteSection(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM document_sections WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete section %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, projectID, sessionID string) (*transcript.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, session_id, items, finalized_at, created_at, updated_at
		FROM transcript_records WHERE project_id = $1 AND session_id = $2`,
		projectID, sessionID)
	rec, err := scanTranscript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript %s/%s: %w", projectID, sessionID, err)
	}
	return rec, nil
}

func scanTranscript(row rowScanner) (*transcript.Record, error) {
	var (
		rec   transcript.Record
		items []byte
	)
	if err := row.Scan(&rec.ProjectID, &rec.SessionID, &items, &rec.FinalizedAt,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &rec.Items); err != nil {
			return nil, fmt.Errorf("decode transcript items: %w", err)
		}
	}
	return &rec, nil
}

func (s *Store) SaveTranscript(ctx context.Context, rec *transcript.Record) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode transcript items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transcript_records (project_id, session_id, items, finalized_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, session_id) DO UPDATE SET
			items = EXCLUDED.items,
			finalized_at = EXCLUDED.finalized_at,
			updated_at = EXCLUDED.updated_at
	`, rec.ProjectID, rec.SessionID, items, rec.FinalizedAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save transcript %s/%s: %w", rec.ProjectID, rec.SessionID, err)
	}
	return nil
}

func (s *Store) ListTranscripts(ctx context.Context, projectID string) ([]transcript.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, session_id, items, finalized_at, created_at, updated_at
		FROM transcript_records WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()
	return collectTranscripts(rows)
}

func (s *Store) AllTranscripts(ctx context.Context) ([]transcript.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, session_id, items, finalized_at, created_at, updated_at
		FROM transcript_records ORDER BY project_id, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list all transcripts: %w", err)
	}
	defer rows.Close()
	return collectTranscripts(rows)
}

func collectTranscripts(rows pgx.Rows) ([]transcript.Record, error) {
	var records []transcript.Record
	for rows.Next() {
		rec, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (*draft.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, description, genre, audience FROM projects WHERE id = $1`, id)
	var p draft.Project
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Genre, &p.Audience)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) GetBlueprint(ctx context.Context, projectID string) (*draft.Blueprint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, voice, structure, themes, constraints
		FROM blueprints WHERE project_id = $1`, projectID)
	var b draft.Blueprint
	err := row.Scan(&b.ProjectID, &b.Voice, &b.Structure, &b.Themes, &b.Constraints)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint %s: %w", projectID, err)
	}
	return &b, nil
}

func (s *Store) ListNotes(ctx context.Context, projectID string, limit int) ([]draft.Note, error) {
	q := `SELECT id, project_id, text, created_at FROM notes
		WHERE project_id = $1 ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []draft.Note
	for rows.Next() {
		var n draft.Note
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.Text, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *Store) ListTodos(ctx context.Context, projectID string) ([]draft.Todo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, label, status, section_id, created_at
		FROM todos WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var todos []draft.Todo
	for rows.Next() {
		var td draft.Todo
		if err := rows.Scan(&td.ID, &td.ProjectID, &td.Label, &td.Status, &td.SectionID, &td.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		todos = append(todos, td)
	}
	return todos, rows.Err()
}

func (s *Store) ListSessionMessages(ctx context.Context, sessionID string) ([]draft.SessionMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, key, role, text, created_at
		FROM session_messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer rows.Close()

	var msgs []draft.SessionMessage
	for rows.Next() {
		var m draft.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Key, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func textArray(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
