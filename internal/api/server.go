// SPDX-License-Identifier: MIT

// Package api serves the read-only status surface: health, Prometheus
// metrics and the job queue as JSON. It never mutates anything; all
// writes go through the CLI and the worker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vpo-project/vpo/internal/joblog"
	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/queue"
	"github.com/vpo-project/vpo/internal/stats"
	"github.com/vpo-project/vpo/internal/store"
)

// Server exposes the status endpoints over one store.
type Server struct {
	DB      *store.Store
	Queue   *queue.Queue
	LogsDir string
	Version string

	logger zerolog.Logger
}

// New builds a status server.
func New(db *store.Store, q *queue.Queue, logsDir, version string) *Server {
	return &Server{
		DB:      db,
		Queue:   q,
		LogsDir: logsDir,
		Version: version,
		logger:  log.WithComponent("api"),
	}
}

// Handler assembles the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{id}", s.handleJob)
		r.Get("/jobs/{id}/log", s.handleJobLog)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.DB.Health(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Version,
	})
}

// jobView is the wire shape of a job row. Zero timestamps render as null.
type jobView struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	FilePath        string     `json:"file_path"`
	Priority        int        `json:"priority"`
	PolicyName      string     `json:"policy_name,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	WorkerPID       int        `json:"worker_pid,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	SummaryJSON     string     `json:"summary,omitempty"`
}

func toView(j *queue.Job) jobView {
	v := jobView{
		ID:              j.ID,
		Type:            string(j.Type),
		Status:          string(j.Status),
		FilePath:        j.FilePath,
		Priority:        j.Priority,
		PolicyName:      j.PolicyName,
		ProgressPercent: j.ProgressPercent,
		CreatedAt:       j.CreatedAt,
		WorkerPID:       j.WorkerPID,
		ErrorMessage:    j.ErrorMessage,
		SummaryJSON:     j.SummaryJSON,
	}
	if !j.StartedAt.IsZero() {
		v.StartedAt = &j.StartedAt
	}
	if !j.CompletedAt.IsZero() {
		v.CompletedAt = &j.CompletedAt
	}
	return v
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", queue.StatusQueued, queue.StatusRunning, queue.StatusCompleted,
		queue.StatusFailed, queue.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	limit := queryInt(r, "limit", 100)
	jobs, err := s.Queue.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("job listing failed")
		writeError(w, http.StatusInternalServerError, "job listing failed")
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.Queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toView(j))
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tail, err := joblog.ReadTail(s.LogsDir, id, queryInt(r, "lines", 50), queryInt(r, "offset", 0))
	switch {
	case errors.Is(err, joblog.ErrInvalidJobID):
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	case errors.Is(err, joblog.ErrLogNotFound):
		writeError(w, http.StatusNotFound, "log not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "log read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":       tail.Lines,
		"total_lines": tail.TotalLines,
		"has_more":    tail.HasMore,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.Queue.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats failed")
		return
	}
	sum, err := stats.Summarize(r.Context(), s.DB)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "processing stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":      qs,
		"processing": sum,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	var n int
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
