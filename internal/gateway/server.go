// Package gateway serves the public HTTP API, the SSE event stream, the MCP
// endpoint, and the internal sandbox bridge routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/execplane/execplane/internal/approvals"
	"github.com/execplane/execplane/internal/invoke"
	"github.com/execplane/execplane/internal/observability"
	"github.com/execplane/execplane/internal/registry"
	"github.com/execplane/execplane/internal/runtime"
	"github.com/execplane/execplane/internal/sandbox"
	"github.com/execplane/execplane/internal/storage"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8787".
	Addr string

	// InternalToken authenticates sandbox bridge traffic.
	InternalToken string

	// PublicBaseURL is the externally reachable base URL, if known.
	PublicBaseURL string

	// SeedSources are registered in every freshly bootstrapped workspace.
	SeedSources []SeedSource
}

// SeedSource is a workspace-independent tool source template.
type SeedSource struct {
	Name    string
	Type    string
	Config  map[string]any
	Enabled bool
}

// Server is the control plane's HTTP surface.
type Server struct {
	config    Config
	repo      *storage.Repository
	journal   *storage.Journal
	resolver  *registry.Resolver
	builder   *registry.Builder
	pipeline  *invoke.Pipeline
	approvals *approvals.Coordinator
	runtimes  *runtime.Registry
	bridge    *sandbox.Bridge
	metrics   *observability.Metrics
	logger    *slog.Logger

	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the HTTP surface over the assembled components.
func NewServer(config Config, repo *storage.Repository, journal *storage.Journal, resolver *registry.Resolver, builder *registry.Builder, pipeline *invoke.Pipeline, coordinator *approvals.Coordinator, runtimes *runtime.Registry, bridge *sandbox.Bridge, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "gateway")
	}
	return &Server{
		config:    config,
		repo:      repo,
		journal:   journal,
		resolver:  resolver,
		builder:   builder,
		pipeline:  pipeline,
		approvals: coordinator,
		runtimes:  runtimes,
		bridge:    bridge,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	s.route(mux, "GET /api/health", s.handleHealth)
	s.route(mux, "POST /api/auth/anonymous/bootstrap", s.handleBootstrap)
	s.route(mux, "GET /api/runtime-targets", s.handleRuntimeTargets)
	s.route(mux, "GET /api/tools", s.handleListTools)

	s.route(mux, "GET /api/tool-sources", s.handleListSources)
	s.route(mux, "POST /api/tool-sources", s.handleUpsertSource)
	s.route(mux, "DELETE /api/tool-sources/{id}", s.handleDeleteSource)

	s.route(mux, "POST /api/tasks", s.handleCreateTask)
	s.route(mux, "GET /api/tasks", s.handleListTasks)
	s.route(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.route(mux, "GET /api/tasks/{id}/events", s.handleTaskEvents)

	s.route(mux, "GET /api/approvals", s.handleListApprovals)
	s.route(mux, "POST /api/approvals/{id}", s.handleResolveApproval)

	s.route(mux, "GET /api/policies", s.handleListPolicies)
	s.route(mux, "POST /api/policies", s.handleUpsertPolicy)

	s.route(mux, "GET /api/credentials", s.handleListCredentials)
	s.route(mux, "POST /api/credentials", s.handleUpsertCredential)

	s.route(mux, "POST /mcp", s.handleMCP)
	s.route(mux, "GET /mcp", s.handleMCPSession)
	s.route(mux, "DELETE /mcp", s.handleMCPSession)

	if s.bridge != nil {
		s.bridge.Routes(mux)
	}

	return withCORS(mux)
}

// route registers a handler wrapped with request metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.
				WithLabelValues(pattern, r.Method, strconv.Itoa(rec.status)).
				Observe(time.Since(start).Seconds())
		}
	})
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets SSE responses stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withCORS answers preflight requests and marks every response permissive.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
