// Package gateway exposes the assistant over HTTP: conversation CRUD,
// turn streaming as SSE, the event-bus feed, approvals, and metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anteroom/anteroom/internal/agent"
	"github.com/anteroom/anteroom/internal/approvals"
	"github.com/anteroom/anteroom/internal/bus"
	"github.com/anteroom/anteroom/internal/config"
	"github.com/anteroom/anteroom/internal/mcp"
	"github.com/anteroom/anteroom/internal/store"
)

const (
	readHeaderTimeout = 5 * time.Second

	// approvalOwner tags approvals resolved through the HTTP API.
	approvalOwner = "web"

	followUpQueueSize = 16
)

// Server is the HTTP front-end. All fields are set at construction.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	engine    *agent.Engine
	bus       *bus.Bus
	approvals *approvals.Broker
	providers *mcp.Manager
	logger    *slog.Logger
	metrics   *metrics

	httpServer *http.Server

	mu    sync.Mutex
	turns map[string]*activeTurn
}

type activeTurn struct {
	cancel    context.CancelFunc
	followUps chan string
}

// New assembles the server and its routes.
func New(cfg *config.Config, st *store.Store, engine *agent.Engine, eventBus *bus.Bus, broker *approvals.Broker, providers *mcp.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		store:     st,
		engine:    engine,
		bus:       eventBus,
		approvals: broker,
		providers: providers,
		logger:    logger.With("component", "gateway"),
		metrics:   newMetrics(eventBus),
		turns:     make(map[string]*activeTurn),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /api/conversations/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/conversations/{id}/rewind", s.handleRewind)
	mux.HandleFunc("POST /api/conversations/{id}/attachments", s.handleUploadAttachment)

	mux.HandleFunc("GET /api/attachments/{id}", s.handleGetAttachment)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/approvals/{id}/deny", s.handleDeny)

	mux.HandleFunc("GET /api/config", s.handleConfig)

	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown cancels active turns and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, turn := range s.turns {
		turn.cancel()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
