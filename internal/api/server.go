// Package api is the administrative HTTP surface of the coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/swarm-coordinator/internal/breaker"
	"github.com/ChuLiYu/swarm-coordinator/internal/coordinator"
	"github.com/ChuLiYu/swarm-coordinator/internal/jobmanager"
	"github.com/ChuLiYu/swarm-coordinator/internal/router"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// DefaultAddr is the admin listen address.
const DefaultAddr = "127.0.0.1:8080"

// Server serves the admin API for one coordinator.
type Server struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
	mux    *chi.Mux
}

// NewServer builds the routes.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{coord: coord, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	r.Handle("/metrics", coord.Metrics().Handler())
	s.mux = r
	return s
}

// RegisterHTTP mounts the API routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/cluster", s.handleCluster)

		r.Post("/nodes/{nodeID}/ban", s.handleBan)
		r.Delete("/nodes/{nodeID}/ban", s.handleUnban)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/complete", s.handleComplete)
		r.Post("/jobs/{jobID}/fail", s.handleFail)
		r.Post("/jobs/{jobID}/cancel", s.handleCancel)

		r.Post("/dispatch", s.handleDispatch)

		r.Post("/fuzzers", s.handleRegisterFuzzer)
		r.Delete("/fuzzers/{nodeID}", s.handleUnregisterFuzzer)
		r.Get("/corpus", s.handleCorpus)
		r.Post("/corpus/sync", s.handleSync)

		r.Post("/progress", s.handleProgress)
		r.Post("/breakthrough", s.handleBreakthrough)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Admin API listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop admin server: %w", err)
	}
	s.logger.Info("Admin API stopped")
	return nil
}

// ============================================================================
// Request bodies
// ============================================================================

// SubmitRequest is the body of POST /api/v1/jobs.
type SubmitRequest struct {
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
}

// SubmitResponse is returned by POST /api/v1/jobs.
type SubmitResponse struct {
	JobID types.JobID `json:"job_id"`
}

// ReportRequest is the body of the complete and fail endpoints.
type ReportRequest struct {
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DispatchRequest is the body of POST /api/v1/dispatch.
type DispatchRequest struct {
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	RequiredTags []string       `json:"required_tags"`
}

// FuzzerRequest is the body of POST /api/v1/fuzzers.
type FuzzerRequest struct {
	NodeID       string `json:"node_id"`
	ContainerRef string `json:"container_ref"`
}

// ProgressRequest is the body of POST /api/v1/progress.
type ProgressRequest struct {
	Progress int64 `json:"progress"`
}

// ProgressResponse is returned by POST /api/v1/progress.
type ProgressResponse struct {
	Triggered bool          `json:"triggered"`
	State     breaker.State `json:"state"`
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.ClusterStatus(r.Context()))
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	nodeID := pathParam(r, "nodeID")
	s.coord.Router().Ban(nodeID)
	writeJSON(w, http.StatusOK, map[string]any{"node_id": nodeID, "banned": true})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	nodeID := pathParam(r, "nodeID")
	s.coord.Router().Unban(nodeID)
	writeJSON(w, http.StatusOK, map[string]any{"node_id": nodeID, "banned": false})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.coord.Jobs().Submit(req.Payload, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Jobs().List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Jobs().Get(types.JobID(pathParam(r, "jobID")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	s.report(w, r, s.coord.Jobs().Complete(types.JobID(pathParam(r, "jobID")), req.Result))
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	s.report(w, r, s.coord.Jobs().Fail(types.JobID(pathParam(r, "jobID")), req.Reason))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.report(w, r, s.coord.Jobs().Cancel(types.JobID(pathParam(r, "jobID"))))
}

// report answers with the job after a state change.
func (s *Server) report(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.handleGetJob(w, r)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("tool is required"))
		return
	}
	res, err := s.coord.Router().Dispatch(r.Context(), req.Tool, req.Args, req.RequiredTags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterFuzzer(w http.ResponseWriter, r *http.Request) {
	var req FuzzerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.ContainerRef == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("node_id and container_ref are required"))
		return
	}
	s.coord.Janitor().RegisterFuzzer(req.NodeID, req.ContainerRef)
	writeJSON(w, http.StatusCreated, s.coord.Janitor().Stats())
}

func (s *Server) handleUnregisterFuzzer(w http.ResponseWriter, r *http.Request) {
	s.coord.Janitor().UnregisterFuzzer(pathParam(r, "nodeID"))
	writeJSON(w, http.StatusOK, s.coord.Janitor().Stats())
}

func (s *Server) handleCorpus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Janitor().Stats())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.Janitor().SyncOnce(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if !decode(w, r, &req) {
		return
	}
	triggered := s.coord.ReportProgress(r.Context(), req.Progress)
	writeJSON(w, http.StatusOK, ProgressResponse{
		Triggered: triggered,
		State:     s.coord.Breaker().State(s.coord.Threshold()),
	})
}

func (s *Server) handleBreakthrough(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.Breaker().TriggerBreakthrough(r.Context())
	if errors.Is(err, breaker.ErrBreakthroughInProgress) {
		s.writeError(w, err)
		return
	}
	// A failed attempt is still a completed attempt; the report carries the outcome.
	writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Helpers
// ============================================================================

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// pathParam returns a decoded route parameter. chi matches on the escaped
// path when the request carries one, so the parameter is still escaped then.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

// statusFor maps component errors to HTTP status codes.
func statusFor(err error) int {
	var de *router.DispatchError
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, router.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, jobmanager.ErrNotRunning), errors.Is(err, jobmanager.ErrNotQueued),
		errors.Is(err, breaker.ErrBreakthroughInProgress):
		return http.StatusConflict
	case errors.Is(err, router.ErrNoEligibleWorker):
		return http.StatusServiceUnavailable
	case errors.As(err, &de):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}
