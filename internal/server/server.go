// Package server exposes the orchestrator over a local JSON HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/orchestrator"
)

const (
	sessionCookie   = "studio_session"
	browserCookie   = "studio_browser"
	onceTokenHeader = "X-Once-Token"

	browserCookieMaxAge = 10 * 365 * 24 * time.Hour
)

// Server provides the HTTP interface for the control plane
type Server struct {
	orch   *orchestrator.Orchestrator
	addr   string
	server *http.Server
	router *httprouter.Router
	logger *slog.Logger
}

func New(orch *orchestrator.Orchestrator, addr string, logger *slog.Logger) *Server {
	s := &Server{
		orch:   orch,
		addr:   addr,
		router: httprouter.New(),
		logger: logging.OrDiscard(logger),
	}

	s.setupRoutes()
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.router)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Permissions
	s.router.GET("/permissions", s.handlePermissions)
	s.router.POST("/permissions/once", s.handleIssueOnce)
	s.router.POST("/permissions/session", s.handleAllowSession)
	s.router.POST("/permissions/persistent", s.handleAllowPersistent)

	// Runs
	s.router.GET("/runs", s.handleListRuns)
	s.router.POST("/runs", s.gated(s.handleStartRun))
	s.router.POST("/runs/:run_id/stop", s.gated(s.handleStopRun))
	s.router.GET("/runs/:run_id/status", s.handleRunStatus)
	s.router.GET("/runs/:run_id/events", s.handleEvents)
	s.router.GET("/runs/:run_id/approvals", s.handleListApprovals)
	s.router.POST("/runs/:run_id/approvals/:approval_id", s.handleDecide)
	s.router.POST("/runs/:run_id/auto-approve", s.handleAutoApprove)
	s.router.GET("/runs/:run_id/audit", s.handleAudit)

	// Jobs
	s.router.GET("/jobs", s.handleListJobs)
	s.router.POST("/jobs", s.gated(s.handleEnqueue))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
