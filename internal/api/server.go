// Package api serves the read-mostly operational surface: archive
// status, job inspection, and the pause/cancel controls. Generation
// itself is driven by the CLI and the scheduler, not over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/summarybot/archivist/internal/executor"
	"github.com/summarybot/archivist/internal/ledger"
	"github.com/summarybot/archivist/internal/source"
)

type Server struct {
	router   *chi.Mux
	port     int
	logger   *slog.Logger
	registry *source.Registry
	exec     *executor.Executor
	ledger   ledger.Store
	version  string
}

func NewServer(port int, registry *source.Registry, exec *executor.Executor, store ledger.Store, version string, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		logger:   logger,
		registry: registry,
		exec:     exec,
		ledger:   store,
		version:  version,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/archive", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/pause", s.pauseJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("api server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	total, err := s.ledger.TotalSpend(r.Context())
	if err != nil {
		s.logger.Warn("total spend unavailable", "error", err)
	}

	sources := s.registry.List()
	byType := map[string]int{}
	for _, src := range sources {
		byType[string(src.Type)]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service":         "archivist",
		"version":         s.version,
		"sources":         len(sources),
		"sources_by_type": byType,
		"total_spend_usd": total,
		"jobs":            len(s.exec.Jobs()),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Jobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.exec.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, j.Snapshot())
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.exec.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if j.State() != executor.StateRunning && j.State() != executor.StateQueued {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", j.State()))
		return
	}
	j.RequestPause()
	writeJSON(w, http.StatusAccepted, j.Snapshot())
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.exec.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	switch j.State() {
	case executor.StateCompleted, executor.StateCancelled, executor.StateFailed:
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", j.State()))
		return
	}
	j.RequestCancel()
	writeJSON(w, http.StatusAccepted, j.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
