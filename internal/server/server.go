package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/branchgraph/pkg/engine"
)

// Server holds the HTTP interface and the underlying Engine.
type Server struct {
	Engine *engine.Engine

	httpServer      *http.Server
	handler         http.Handler
	taskManager     *TaskManager
	authToken       string
	shutdownTimeout time.Duration
	logger          *slog.Logger

	// Background tasks derive from baseCtx and stop on Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer initializes the HTTP server using an open Engine. An empty
// authToken disables authentication.
func NewServer(eng *engine.Engine, httpAddr string, authToken string) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Engine:          eng,
		taskManager:     NewTaskManager(),
		authToken:       authToken,
		shutdownTimeout: eng.Config().Server.ShutdownTimeout,
		logger:          slog.Default(),
		baseCtx:         ctx,
		cancel:          cancel,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 5 * time.Second
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)

	// Chain: Recovery -> Logging -> Auth -> Mux. Recovery must be outer-most.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.LoggingMiddleware(handler)
	handler = s.RecoveryMiddleware(handler)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/", handler)
	s.handler = rootMux
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and cancels running tasks. It does not
// close the Engine.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown of HTTP server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
}
