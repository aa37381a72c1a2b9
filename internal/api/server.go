package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quillworks/scribe/internal/docmerge"
	"github.com/quillworks/scribe/internal/queue"
	"github.com/quillworks/scribe/internal/store"
	"github.com/quillworks/scribe/internal/transcript"
)

type Server struct {
	store       store.DataStore
	queue       *queue.Queue
	processor   *queue.Processor
	merger      *docmerge.Engine
	transcripts *transcript.Manager
	router      chi.Router
	port        int
}

func NewServer(s store.DataStore, q *queue.Queue, p *queue.Processor, m *docmerge.Engine, tm *transcript.Manager, port int) *Server {
	srv := &Server{
		store:       s,
		queue:       q,
		processor:   p,
		merger:      m,
		transcripts: tm,
		port:        port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)

		r.Post("/jobs", srv.handleEnqueueJob)
		r.Get("/jobs", srv.handleListJobs)
		r.Get("/jobs/{jobID}", srv.handleGetJob)
		r.Post("/jobs/process", srv.handleProcessJobs)

		r.Get("/projects/{projectID}/workspace", srv.handleGetWorkspace)
		r.Post("/projects/{projectID}/outline", srv.handleManageOutline)

		r.Post("/transcripts/{projectID}/{sessionID}/items", srv.handleIngestItem)
		r.Post("/transcripts/{projectID}/{sessionID}/finalize", srv.handleFinalizeTranscript)
		r.Get("/transcripts/audit", srv.handleTranscriptAudit)
	})

	srv.router = r
	return srv
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("starting HTTP API", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// Router exposes the chi router, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "scribe",
	})
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		slog.Error("enqueue failed", "project_id", req.ProjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		slog.Error("list jobs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		slog.Error("get job failed", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, job)
}

type processRequest struct {
	Limit  int  `json:"limit"`
	DryRun bool `json:"dry_run"`
}

func (s *Server) handleProcessJobs(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	outcomes := s.processor.ProcessBatch(r.Context(), req.Limit, req.DryRun)
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	ws, err := s.merger.GetWorkspace(r.Context(), projectID)
	if err != nil {
		slog.Error("get workspace failed", "project_id", projectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if ws.Document == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no document for project"})
		return
	}

	writeJSON(w, http.StatusOK, ws)
}

type outlineRequest struct {
	Ops []docmerge.OutlineOp `json:"ops"`
}

func (s *Server) handleManageOutline(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req outlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Ops) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ops is required"})
		return
	}

	if err := s.merger.ManageOutline(r.Context(), projectID, req.Ops); err != nil {
		slog.Error("outline update failed", "project_id", projectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	ws, err := s.merger.GetWorkspace(r.Context(), projectID)
	if err != nil {
		slog.Error("get workspace failed", "project_id", projectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleIngestItem(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")

	var item transcript.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	rec, err := s.transcripts.Ingest(r.Context(), projectID, sessionID, item)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFinalizeTranscript(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := s.transcripts.Finalize(r.Context(), projectID, sessionID)
	if err != nil {
		slog.Error("finalize failed", "project_id", projectID, "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTranscriptAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.AllTranscripts(r.Context())
	if err != nil {
		slog.Error("audit load failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, transcript.VerifyIntegrity(records))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
