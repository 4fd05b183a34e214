// Package web serves a finished triage report over HTTP so the outcome of a
// run can be browsed without re-running the pipeline.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/infvision/photosort/internal/pipeline"
)

// Server exposes one pipeline report read-only.
type Server struct {
	report     *pipeline.Report
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a report server listening on host:port.
func NewServer(report *pipeline.Report, host string, port int) *Server {
	r := chi.NewRouter()

	s := &Server{
		report: report,
		router: r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/report", s.handleReport)
	r.Get("/api/report/stats", s.handleStats)
	r.Get("/api/report/bursts", s.handleBursts)
	r.Get("/api/report/verdicts/{fingerprint}", s.handleVerdict)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.report.Stats)
}

func (s *Server) handleBursts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.report.Bursts)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	for _, path := range s.report.Paths() {
		if v := s.report.Verdicts[path]; v.Fingerprint == fp {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown fingerprint"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
