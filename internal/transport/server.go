// Package transport is the thin outer layer a download manager needs
// around the orchestration core: a REST surface over Submit/Get/List/
// Cancel/Pause/Resume/Retry, a WebSocket endpoint for live per-job events,
// a worker-channel endpoint gated by a shared secret, and a completed-
// artifact file server. None of it carries domain logic — every decision
// is made by internal/orchestrator; this package only translates HTTP in
// and JSON/bytes out.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobmcallan/dlmgr/internal/eventbus"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/orchestrator"
	"github.com/bobmcallan/dlmgr/internal/security"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// VersionInfo is reported by /api/version; populated from ldflags by main.
type VersionInfo struct {
	Version string
	Build   string
	Commit  string
}

// Orchestrator is the subset of orchestrator.Orchestrator's façade this
// package depends on, narrowed to an interface so handler tests can supply
// an in-memory fake instead of a fully wired core.
type Orchestrator interface {
	Submit(ctx context.Context, req orchestrator.CreateRequest) (string, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, filter orchestrator.ListFilter) (orchestrator.Page, error)
	Cancel(ctx context.Context, jobID string) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) error
}

// Server wires the core's Orchestrator and EventBus to HTTP and WebSocket
// handlers.
type Server struct {
	orch    Orchestrator
	bus     *eventbus.Bus
	guard   *security.Guard
	sink    supervisor.Sink
	dataDir string
	version VersionInfo
	logger  *logx.Logger
}

// New constructs a Server. guard may be nil, in which case the worker
// channel refuses every connection (fail closed, not fail open). sink may
// also be nil, in which case the worker channel answers even an
// authenticated connection with 503 before upgrading — a deployment
// running only in-process worker slots has no use for channel ingestion.
func New(orch Orchestrator, bus *eventbus.Bus, guard *security.Guard, sink supervisor.Sink, dataDir string, version VersionInfo, logger *logx.Logger) *Server {
	return &Server{orch: orch, bus: bus, guard: guard, sink: sink, dataDir: dataDir, version: version, logger: logger}
}

// Handler builds the complete HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("POST /api/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/jobs", s.handleList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGet)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleAction(s.orch.Cancel))
	mux.HandleFunc("POST /api/jobs/{id}/pause", s.handleAction(s.orch.Pause))
	mux.HandleFunc("POST /api/jobs/{id}/resume", s.handleAction(s.orch.Resume))
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleAction(s.orch.Retry))

	mux.HandleFunc("GET /files/{id}", s.handleFile)

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/worker", s.handleWorkerWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

// submitRequest is the JSON body POST /api/jobs accepts.
type submitRequest struct {
	URL          string                   `json:"url"`
	Kind         models.Kind              `json:"kind"`
	Headers      models.HeaderOptions     `json:"headers"`
	Transcode    *models.TranscodeOptions `json:"transcode"`
	FilenameHint string                   `json:"filenameHint"`
	Twitter      *models.TwitterOptions   `json:"twitter"`
	Pinterest    *models.PinterestOptions `json:"pinterest"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpError(w, models.NewOpError(models.ErrInvalidInput, "malformed request body"))
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindAuto
	}

	jobID, err := s.orch.Submit(r.Context(), orchestrator.CreateRequest{
		URL:          req.URL,
		Kind:         req.Kind,
		Headers:      req.Headers,
		Transcode:    req.Transcode,
		FilenameHint: req.FilenameHint,
		Twitter:      req.Twitter,
		Pinterest:    req.Pinterest,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := orchestrator.ListFilter{
		Status: models.Status(q.Get("status")),
		Kind:   models.Kind(q.Get("kind")),
		Query:  q.Get("q"),
		Limit:  atoiDefault(q.Get("limit"), 0),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
	page, err := s.orch.List(r.Context(), filter)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": page.Jobs, "total": page.Total})
}

// handleAction adapts a JobID-only Orchestrator method into an http.HandlerFunc.
func (s *Server) handleAction(op func(ctx context.Context, jobID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), r.PathValue("id")); err != nil {
			writeOpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleFile streams a completed job's output artifact. The output path is
// re-checked against the data root so a corrupted row can never serve a
// file outside it.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	if job.Status != models.StatusCompleted || job.OutputPath == "" {
		writeOpError(w, models.NewOpError(models.ErrNotFound, "job has no completed output"))
		return
	}
	root := filepath.Clean(s.dataDir) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(job.OutputPath), root) {
		writeOpError(w, models.NewOpError(models.ErrNotFound, "output path outside data root"))
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		writeOpError(w, models.NewOpError(models.ErrNotFound, "output file missing"))
		return
	}
	http.ServeFile(w, r, job.OutputPath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOpError(w http.ResponseWriter, err error) {
	opErr, ok := err.(*models.OpError)
	if !ok {
		opErr = models.NewOpError(models.ErrInternal, err.Error())
	}
	status := http.StatusInternalServerError
	switch opErr.Code {
	case models.ErrInvalidInput, models.ErrIllegalTransition:
		status = http.StatusBadRequest
	case models.ErrNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"errorCode": string(opErr.Code), "message": opErr.Message})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
