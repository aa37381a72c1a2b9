package store

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so repeated boots
// are safe. The partial unique index on draft_jobs is what enforces the
// single-active-job-per-project invariant under concurrent enqueuers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS draft_jobs (
		id                 TEXT PRIMARY KEY,
		project_id         TEXT NOT NULL,
		session_id         TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'queued',
		summary            TEXT NOT NULL DEFAULT '',
		normalized_summary TEXT NOT NULL DEFAULT '',
		urgency            TEXT NOT NULL DEFAULT '',
		message_pointers   TEXT[] NOT NULL DEFAULT '{}',
		transcript_anchors TEXT[] NOT NULL DEFAULT '{}',
		prompt_context     JSONB,
		generated_summary  TEXT NOT NULL DEFAULT '',
		model_usage        JSONB,
		attempt_count      INT NOT NULL DEFAULT 0,
		transcript_cursor  TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		error              TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_draft_jobs_active
		ON draft_jobs (project_id) WHERE status IN ('queued', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_draft_jobs_queued
		ON draft_jobs (created_at) WHERE status = 'queued'`,
	`CREATE INDEX IF NOT EXISTS idx_draft_jobs_summary
		ON draft_jobs (project_id, normalized_summary, created_at)`,

	`CREATE TABLE IF NOT EXISTS documents (
		project_id            TEXT PRIMARY KEY,
		latest_draft_markdown TEXT NOT NULL DEFAULT '',
		summary               TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL DEFAULT 'drafting',
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS document_sections (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		heading     TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		ord         INT NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'drafting',
		version     INT NOT NULL DEFAULT 1,
		locked      BOOLEAN NOT NULL DEFAULT false,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_document_sections_doc
		ON document_sections (document_id, ord)`,

	`CREATE TABLE IF NOT EXISTS transcript_records (
		project_id   TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		items        JSONB NOT NULL DEFAULT '[]',
		finalized_at TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (project_id, session_id)
	)`,

	// Read-side tables are owned by the product backend; created here so a
	// standalone deployment can boot against an empty database.
	`CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		genre       TEXT NOT NULL DEFAULT '',
		audience    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS blueprints (
		project_id  TEXT PRIMARY KEY,
		voice       TEXT NOT NULL DEFAULT '',
		structure   TEXT NOT NULL DEFAULT '',
		themes      TEXT[] NOT NULL DEFAULT '{}',
		constraints TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		text       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS todos (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		label      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'open',
		section_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		key        TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_messages_session
		ON session_messages (session_id, created_at)`,
}

// EnsureSchema applies the schema statements in order.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
