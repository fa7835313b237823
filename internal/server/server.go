// Package server exposes the operational HTTP surface: health, version,
// gateway statistics, tool catalog, credential status, and Prometheus
// metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/attendant-ai/attendant/internal/common"
	"github.com/attendant-ai/attendant/internal/config"
	"github.com/attendant-ai/attendant/internal/mcp"
	"github.com/attendant-ai/attendant/internal/metrics"
)

// Server manages the HTTP server and routes.
type Server struct {
	cfg      *config.Config
	logger   *common.Logger
	metrics  *metrics.Metrics
	security *mcp.SecurityManager
	manager  *mcp.ToolManager

	router *http.ServeMux
	server *http.Server
}

// Options carries the wired dependencies for a Server. Manager may be nil
// when the gateway is not configured; the MCP endpoints then report that
// state instead of serving data.
type Options struct {
	Config   *config.Config
	Logger   *common.Logger
	Metrics  *metrics.Metrics
	Security *mcp.SecurityManager
	Manager  *mcp.ToolManager
}

// New creates the HTTP server with its routes and middleware chain.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	s := &Server{
		cfg:      opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		security: opts.Security,
		manager:  opts.Manager,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", opts.Config.Server.Host, opts.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // gateway tool calls can take minutes
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
