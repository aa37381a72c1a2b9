// Package testutil provides a thread-safe in-memory store.DataStore used
// across package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/store"
	"github.com/quillworks/scribe/internal/transcript"
)

// MemStore implements store.DataStore in memory with the same transition
// semantics as the pgx-backed store: single-flight insert, single-winner
// claim, field-map updates.
type MemStore struct {
	mu sync.Mutex

	Jobs        map[string]*draft.Job
	Documents   map[string]*draft.Document
	Sections    map[string]*draft.Section
	Transcripts map[string]*transcript.Record

	Projects   map[string]*draft.Project
	Blueprints map[string]*draft.Blueprint
	Notes      []draft.Note
	Todos      []draft.Todo
	Messages   []draft.SessionMessage

	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		Jobs:        make(map[string]*draft.Job),
		Documents:   make(map[string]*draft.Document),
		Sections:    make(map[string]*draft.Section),
		Transcripts: make(map[string]*transcript.Record),
		Projects:    make(map[string]*draft.Project),
		Blueprints:  make(map[string]*draft.Blueprint),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func copyJob(j *draft.Job) *draft.Job {
	cp := *j
	cp.MessagePointers = append([]string(nil), j.MessagePointers...)
	cp.TranscriptAnchors = append([]string(nil), j.TranscriptAnchors...)
	if j.ModelUsage != nil {
		u := *j.ModelUsage
		cp.ModelUsage = &u
	}
	return &cp
}

func (m *MemStore) InsertJob(_ context.Context, job *draft.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.Jobs {
		if j.ProjectID == job.ProjectID && j.Active() {
			return store.ErrActiveJobExists
		}
	}
	m.Jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (*draft.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return nil, nil
	}
	return copyJob(j), nil
}

func (m *MemStore) GetActiveJobForProject(_ context.Context, projectID string) (*draft.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.Jobs {
		if j.ProjectID == projectID && j.Active() {
			return copyJob(j), nil
		}
	}
	return nil, nil
}

func (m *MemStore) FindRecentJobBySummary(_ context.Context, projectID, normalizedSummary string, since time.Time) (*draft.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *draft.Job
	for _, j := range m.Jobs {
		if j.ProjectID != projectID {
			continue
		}
		if draft.NormalizeSummary(j.Summary) != normalizedSummary {
			continue
		}
		if j.CreatedAt.Before(since) {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyJob(best), nil
}

func (m *MemStore) UpdateJob(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return nil
	}
	for field, value := range updates {
		switch field {
		case "status":
			j.Status = value.(string)
		case "summary":
			j.Summary = value.(string)
		case "urgency":
			j.Urgency = value.(string)
		case "message_pointers":
			j.MessagePointers = append([]string(nil), value.([]string)...)
		case "transcript_anchors":
			j.TranscriptAnchors = append([]string(nil), value.([]string)...)
		case "prompt_context":
			switch v := value.(type) {
			case []byte:
				j.PromptContext = append([]byte(nil), v...)
			case json.RawMessage:
				j.PromptContext = append(json.RawMessage(nil), v...)
			}
		case "generated_summary":
			j.GeneratedSummary = value.(string)
		case "model_usage":
			if u, ok := value.(*draft.Usage); ok && u != nil {
				cp := *u
				j.ModelUsage = &cp
			}
		case "attempt_count":
			j.AttemptCount = value.(int)
		case "transcript_cursor":
			if t, ok := value.(*time.Time); ok {
				j.TranscriptCursor = t
			}
		case "started_at":
			if t, ok := value.(*time.Time); ok {
				j.StartedAt = t
			}
		case "completed_at":
			if t, ok := value.(*time.Time); ok {
				j.CompletedAt = t
			}
		case "error":
			j.Error = value.(string)
		}
	}
	j.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) ClaimNextJob(_ context.Context) (*draft.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *draft.Job
	for _, j := range m.Jobs {
		if j.Status != draft.JobQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	now := m.now()
	oldest.Status = draft.JobRunning
	oldest.StartedAt = &now
	oldest.Error = ""
	oldest.AttemptCount++
	oldest.UpdatedAt = now
	return copyJob(oldest), nil
}

func (m *MemStore) ListJobs(_ context.Context, status string, limit int) ([]draft.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []draft.Job
	for _, j := range m.Jobs {
		if status != "" && j.Status != status {
			continue
		}
		jobs = append(jobs, *copyJob(j))
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemStore) GetDocument(_ context.Context, projectID string) (*draft.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Documents[projectID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) UpsertDocument(_ context.Context, doc *draft.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	cp.UpdatedAt = m.now()
	m.Documents[doc.ProjectID] = &cp
	return nil
}

func (m *MemStore) ListSections(_ context.Context, documentID string) ([]draft.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sections []draft.Section
	for _, s := range m.Sections {
		if s.DocumentID == documentID {
			sections = append(sections, *s)
		}
	}
	sort.Slice(sections, func(a, b int) bool { return sections[a].Order < sections[b].Order })
	return sections, nil
}

func (m *MemStore) InsertSection(_ context.Context, sec *draft.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sec
	cp.UpdatedAt = m.now()
	m.Sections[sec.ID] = &cp
	return nil
}

func (m *MemStore) UpdateSection(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sections[id]
	if !ok {
		return nil
	}
	for field, value := range updates {
		switch field {
		case "heading":
			s.Heading = value.(string)
		case "content":
			s.Content = value.(string)
		case "ord":
			s.Order = value.(int)
		case "status":
			s.Status = value.(string)
		case "version":
			s.Version = value.(int)
		case "locked":
			s.Locked = value.(bool)
		}
	}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) DeleteSection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sections, id)
	return nil
}

func transcriptKey(projectID, sessionID string) string {
	return projectID + "|" + sessionID
}

func copyRecord(r *transcript.Record) *transcript.Record {
	cp := *r
	cp.Items = append([]transcript.Item(nil), r.Items...)
	return &cp
}

func (m *MemStore) GetTranscript(_ context.Context, projectID, sessionID string) (*transcript.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Transcripts[transcriptKey(projectID, sessionID)]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (m *MemStore) SaveTranscript(_ context.Context, rec *transcript.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transcripts[transcriptKey(rec.ProjectID, rec.SessionID)] = copyRecord(rec)
	return nil
}

func (m *MemStore) ListTranscripts(_ context.Context, projectID string) ([]transcript.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []transcript.Record
	for _, rec := range m.Transcripts {
		if rec.ProjectID == projectID {
			records = append(records, *copyRecord(rec))
		}
	}
	sort.Slice(records, func(a, b int) bool { return records[a].SessionID < records[b].SessionID })
	return records, nil
}

func (m *MemStore) AllTranscripts(_ context.Context) ([]transcript.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []transcript.Record
	for _, rec := range m.Transcripts {
		records = append(records, *copyRecord(rec))
	}
	sort.Slice(records, func(a, b int) bool {
		ka := records[a].ProjectID + "|" + records[a].SessionID
		kb := records[b].ProjectID + "|" + records[b].SessionID
		return strings.Compare(ka, kb) < 0
	})
	return records, nil
}

func (m *MemStore) GetProject(_ context.Context, id string) (*draft.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Projects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) GetBlueprint(_ context.Context, projectID string) (*draft.Blueprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Blueprints[projectID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemStore) ListNotes(_ context.Context, projectID string, limit int) ([]draft.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var notes []draft.Note
	for _, n := range m.Notes {
		if n.ProjectID == projectID {
			notes = append(notes, n)
		}
	}
	sort.Slice(notes, func(a, b int) bool { return notes[a].CreatedAt.After(notes[b].CreatedAt) })
	if limit > 0 && len(notes) > limit {
		notes = notes[:limit]
	}
	return notes, nil
}

func (m *MemStore) ListTodos(_ context.Context, projectID string) ([]draft.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var todos []draft.Todo
	for _, td := range m.Todos {
		if td.ProjectID == projectID {
			todos = append(todos, td)
		}
	}
	return todos, nil
}

func (m *MemStore) ListSessionMessages(_ context.Context, sessionID string) ([]draft.SessionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []draft.SessionMessage
	for _, msg := range m.Messages {
		if msg.SessionID == sessionID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(a, b int) bool { return msgs[a].CreatedAt.Before(msgs[b].CreatedAt) })
	return msgs, nil
}

func (m *MemStore) Close() {}

// SetNow overrides the clock, for deterministic timestamps in tests.
func (m *MemStore) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

// SeedSection inserts a section directly, bypassing version bookkeeping.
func (m *MemStore) SeedSection(sec draft.Section) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := sec
	m.Sections[sec.ID] = &cp
}
