// Package api exposes the kernel over HTTP: task and audit inspection,
// answering human requests, pause control and a live feed of gate events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/killswitch"
	"github.com/agentoverseer/overseer/internal/policy"
	"github.com/agentoverseer/overseer/internal/store"
)

// Store is the read side of persistence the API serves.
type Store interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListSteps(ctx context.Context, taskID string) ([]*store.Step, error)
	ListArtifacts(ctx context.Context, taskID string) ([]store.Artifact, error)
	ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]audit.Event, error)
	VerifyAuditChain(ctx context.Context) (bool, int, error)
}

// Deps are the Server's collaborators. Pauses and Policy may be nil, which
// disables their routes.
type Deps struct {
	Config config.ServerConfig
	Store  Store
	Gate   *humangate.Gate
	Pauses *killswitch.KillSwitch
	Policy *policy.Store
	Logger *slog.Logger
}

// Server is the management API.
type Server struct {
	config     config.ServerConfig
	store      Store
	gate       *humangate.Gate
	pauses     *killswitch.KillSwitch
	policy     *policy.Store
	wsHub      *WebSocketHub
	router     chi.Router
	mu         sync.Mutex
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(d Deps) (*Server, error) {
	if d.Store == nil || d.Gate == nil {
		return nil, errors.New("api: store and gate are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api.Server")
	s := &Server{
		config: d.Config,
		store:  d.Store,
		gate:   d.Gate,
		pauses: d.Pauses,
		policy: d.Policy,
		wsHub:  NewWebSocketHub(logger, d.Config.AllowAllOrigins),
		logger: logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.config.AllowAllOrigins {
		r.Use(corsMiddleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/steps", s.handleListSteps)
		r.Get("/tasks/{id}/artifacts", s.handleListArtifacts)
		r.Post("/tasks/{id}/pause", s.handlePauseTask)

		r.Get("/human/pending", s.handleListPending)
		r.Get("/human/{id}", s.handleGetPending)
		r.Post("/human/{id}/respond", s.handleRespond)

		r.Get("/pause", s.handlePauseStatus)
		r.Post("/pause", s.handlePauseAll)
		r.Delete("/pause", s.handleResumeAll)

		r.Get("/policy", s.handlePolicy)

		r.Get("/audit", s.handleListAudit)
		r.Get("/audit/verify", s.handleVerifyAudit)

		r.Get("/ws", s.wsHub.HandleWebSocket)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start forwards gate notices to websocket clients and serves addr until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.pumpNotices(ctx)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	s.logger.Info("management API listening", "addr", addr)
	return srv.ListenAndServe()
}

// pumpNotices subscribes to the gate and relays its state changes to the
// websocket feed until ctx is done.
func (s *Server) pumpNotices(ctx context.Context) {
	notices, unsubscribe := s.gate.Subscribe(64)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notices:
				if !ok {
					return
				}
				s.wsHub.Broadcast("human."+string(n.Type), n)
			}
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
