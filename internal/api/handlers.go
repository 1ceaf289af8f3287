package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dsa110/contimg/pkg/queue"
	"github.com/dsa110/contimg/pkg/registry"
)

// version is set via -ldflags at build time.
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitJobRequest is the request body for POST /jobs.
type SubmitJobRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	WorkerID   string `json:"worker_id,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	LastError  string `json:"last_error,omitempty"`
}

func jobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		Type:       string(j.Type),
		Status:     string(j.Status),
		Priority:   j.Priority,
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		WorkerID:   j.WorkerID,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
		LastError:  j.LastError,
	}
}

// ArtifactResponse represents an artifact in API responses.
type ArtifactResponse struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Path             string `json:"path"`
	SourceJobID      string `json:"source_job_id,omitempty"`
	Status           string `json:"status"`
	PublishAttempts  int    `json:"publish_attempts"`
	LastPublishError string `json:"last_publish_error,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func artifactResponse(a registry.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:               a.ID,
		Kind:             a.Kind,
		Path:             a.Path,
		SourceJobID:      a.SourceJobID,
		Status:           string(a.Status),
		PublishAttempts:  a.PublishAttempts,
		LastPublishError: a.LastPublishError,
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        a.UpdatedAt.Format(time.RFC3339),
	}
}

// PublishStatusResponse summarizes the registry's lifecycle counts.
type PublishStatusResponse struct {
	Staging    int `json:"staging"`
	Publishing int `json:"publishing"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
}

// RetryAllResponse reports which artifacts were re-queued by a bulk retry.
type RetryAllResponse struct {
	Retried []string `json:"retried"`
}

// InputFileResponse describes one forming subband group, for operator
// visibility into the ingest pipeline ahead of job submission.
type InputFileResponse struct {
	Timestamp  string `json:"timestamp"`
	Subbands   int    `json:"subbands_received"`
	GroupState string `json:"group_state"`
	Deadline   string `json:"deadline"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "contimgd",
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	id, err := s.queue.Enqueue(queue.JobType(req.Type), req.Payload, req.Priority, maxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed: "+err.Error())
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job lookup failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, jobResponse(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	limit := parseLimit(r, 100)

	jobs, err := s.queue.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobResponse(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	backlog, err := s.queue.Logs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	live := s.broker.Subscribe(id)
	defer s.broker.Unsubscribe(id, live)

	queue.WriteSSE(w, r.Context().Done(), backlog, live)
}

// handleJobLogWS offers the same live log stream over a WebSocket, for
// clients that prefer a bidirectional transport over SSE.
func (s *Server) handleJobLogWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	backlog, err := s.queue.Logs(r.Context(), id)
	if err != nil {
		conn.WriteJSON(ErrorResponse{Error: err.Error()})
		return
	}
	for _, chunk := range backlog {
		if err := conn.WriteJSON(chunk); err != nil {
			return
		}
	}

	live := s.broker.Subscribe(id)
	defer s.broker.Unsubscribe(id, live)

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-live:
			if !ok {
				return
			}
			if err := conn.WriteJSON(chunk); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		Kind:   r.URL.Query().Get("kind"),
		Status: registry.Lifecycle(r.URL.Query().Get("status")),
		Limit:  parseLimit(r, 100),
	}
	if after := r.URL.Query().Get("after"); after != "" {
		if t, err := time.Parse(time.RFC3339, after); err == nil {
			f.After = t
			f.AfterID = r.URL.Query().Get("after_id")
		}
	}

	artifacts, err := s.reg.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, artifactResponse(*a))
}

func (s *Server) handlePublishStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reg.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PublishStatusResponse{
		Staging:    counts[registry.Staging],
		Publishing: counts[registry.Publishing],
		Published:  counts[registry.Published],
		Failed:     counts[registry.Failed],
	})
}

func (s *Server) handlePublishFailed(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.reg.List(r.Context(), registry.Filter{Status: registry.Failed, Limit: parseLimit(r, 200)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublishRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.monitor.Retry(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "retrying"})
}

func (s *Server) handlePublishRetryAll(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	retried, err := s.monitor.RetryAll(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RetryAllResponse{Retried: retried})
}

// handleInputFiles reports in-flight subband groups and supports a
// group_state filter over the snapshot the grouper exposes, letting an
// operator see what is waiting on more subbands without reaching into the
// filesystem directly. The snapshot holds only forming groups, so
// "forming" is the only group_state value that matches anything.
func (s *Server) handleInputFiles(w http.ResponseWriter, r *http.Request) {
	wantState := r.URL.Query().Get("group_state")

	groups := s.grouper.Forming()
	out := make([]InputFileResponse, 0, len(groups))
	for _, g := range groups {
		state := "forming"
		if wantState != "" && wantState != state {
			continue
		}
		out = append(out, InputFileResponse{
			Timestamp:  g.Timestamp.UTC().Format(time.RFC3339),
			Subbands:   len(g.Files),
			GroupState: state,
			Deadline:   g.Deadline.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
