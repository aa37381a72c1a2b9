package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quillworks/scribe/internal/docmerge"
	"github.com/quillworks/scribe/internal/draft"
	"github.com/quillworks/scribe/internal/model"
	"github.com/quillworks/scribe/internal/notify"
	"github.com/quillworks/scribe/internal/queue"
	"github.com/quillworks/scribe/internal/testutil"
	"github.com/quillworks/scribe/internal/transcript"
)

// stubModel returns a canned output for every generation call.
type stubModel struct {
	out *model.Output
	err error
}

func (s *stubModel) Generate(_ context.Context, _, _ string, _ float64) (*model.Output, error) {
	return s.out, s.err
}

// nullSinks drops every notification.
type nullSinks struct{}

func (nullSinks) ReportTelemetry(_ context.Context, _ notify.Telemetry) {}
func (nullSinks) SendAlert(_ context.Context, _ notify.Alert)           {}
func (nullSinks) PublishProgress(_ context.Context, _ notify.Progress)  {}

func setupServer(ms *testutil.MemStore, mc queue.ModelClient) *Server {
	if mc == nil {
		mc = &stubModel{out: &model.Output{Markdown: "## A\n\nBody.\n"}}
	}
	merger := docmerge.NewEngine(ms)
	q := queue.NewQueue(ms)
	p := queue.NewProcessor(ms, merger, mc, nullSinks{}, nullSinks{}, nullSinks{}, queue.Config{})
	tm := transcript.NewManager(ms)
	return NewServer(ms, q, p, merger, tm, 8700)
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["service"] != "scribe" {
		t.Errorf("expected service scribe, got %v", body["service"])
	}
}

func TestEnqueueJob(t *testing.T) {
	ms := testutil.NewMemStore()
	srv := setupServer(ms, nil)

	body := `{"project_id":"p1","session_id":"s1","summary":"draft intro"}`
	req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var job draft.Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Status != draft.JobQueued || job.Summary != "draft intro" {
		t.Errorf("unexpected job: %+v", job)
	}

	stored, _ := ms.GetJob(context.Background(), job.ID)
	if stored == nil {
		t.Error("job not persisted")
	}
}

func TestEnqueueJob_MissingProject(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("POST", "/api/v1/jobs", strings.NewReader(`{"summary":"x"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("GET", "/api/v1/jobs/nope", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListJobs_StatusFilter(t *testing.T) {
	ms := testutil.NewMemStore()
	ctx := context.Background()
	ms.InsertJob(ctx, &draft.Job{ID: "j1", ProjectID: "p1", Status: draft.JobQueued, CreatedAt: time.Now().UTC()})
	ms.InsertJob(ctx, &draft.Job{ID: "j2", ProjectID: "p2", Status: draft.JobComplete, CreatedAt: time.Now().UTC()})
	srv := setupServer(ms, nil)

	req := httptest.NewRequest("GET", "/api/v1/jobs?status=queued", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var jobs []draft.Job
	json.NewDecoder(w.Body).Decode(&jobs)
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}

func TestProcessJobs(t *testing.T) {
	ms := testutil.NewMemStore()
	ctx := context.Background()
	ms.InsertJob(ctx, &draft.Job{ID: "j1", ProjectID: "p1", SessionID: "s1", Status: draft.JobQueued, CreatedAt: time.Now().UTC()})
	ms.SaveTranscript(ctx, &transcript.Record{
		ProjectID: "p1",
		SessionID: "s1",
		Items:     []transcript.Item{{ID: "i1", Role: "user", Text: "Open with the storm."}},
		UpdatedAt: time.Now().UTC(),
	})
	srv := setupServer(ms, nil)

	req := httptest.NewRequest("POST", "/api/v1/jobs/process", strings.NewReader(`{"limit":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Outcomes []queue.Outcome `json:"outcomes"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Outcomes) != 1 || !resp.Outcomes[0].Processed {
		t.Fatalf("unexpected outcomes: %+v", resp.Outcomes)
	}

	job, _ := ms.GetJob(ctx, "j1")
	if job.Status != draft.JobComplete {
		t.Errorf("job status = %q, want complete", job.Status)
	}
}

func TestProcessJobs_EmptyBodyAllowed(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("POST", "/api/v1/jobs/process", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetWorkspace_NotFound(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("GET", "/api/v1/projects/p1/workspace", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestManageOutline(t *testing.T) {
	ms := testutil.NewMemStore()
	srv := setupServer(ms, nil)

	body := `{"ops":[{"op":"add","heading":"Introduction"},{"op":"add","heading":"Closing"}]}`
	req := httptest.NewRequest("POST", "/api/v1/projects/p1/outline", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var ws draft.Workspace
	json.NewDecoder(w.Body).Decode(&ws)
	if len(ws.Sections) != 2 {
		t.Errorf("sections = %+v, want 2", ws.Sections)
	}
}

func TestManageOutline_EmptyOps(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("POST", "/api/v1/projects/p1/outline", strings.NewReader(`{"ops":[]}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestIngestItemAndFinalize(t *testing.T) {
	ms := testutil.NewMemStore()
	srv := setupServer(ms, nil)

	body := `{"id":"i1","role":"user","type":"message","text":"hello"}`
	req := httptest.NewRequest("POST", "/api/v1/transcripts/p1/s1/items", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("POST", "/api/v1/transcripts/p1/s1/finalize", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d", w.Code)
	}
	var rec transcript.Record
	json.NewDecoder(w.Body).Decode(&rec)
	if !rec.Finalized() {
		t.Errorf("record not finalized: %+v", rec)
	}
}

func TestIngestItem_EmptyIDRejected(t *testing.T) {
	srv := setupServer(testutil.NewMemStore(), nil)

	req := httptest.NewRequest("POST", "/api/v1/transcripts/p1/s1/items", strings.NewReader(`{"role":"user"}`))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestTranscriptAudit(t *testing.T) {
	ms := testutil.NewMemStore()
	ctx := context.Background()
	ms.SaveTranscript(ctx, &transcript.Record{
		ProjectID: "p1",
		SessionID: "s1",
		Items: []transcript.Item{
			{ID: "i1", Role: "user", Text: "a"},
			{ID: "i1", Role: "user", Text: "b"}, // duplicate id
		},
	})
	srv := setupServer(ms, nil)

	req := httptest.NewRequest("GET", "/api/v1/transcripts/audit", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rep transcript.Report
	json.NewDecoder(w.Body).Decode(&rep)
	if rep.RecordsChecked != 1 || len(rep.Issues) == 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
}
