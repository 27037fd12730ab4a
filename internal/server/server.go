// Package server exposes conversations over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/nebochat/internal/agent/config"
	"github.com/neboloop/nebochat/internal/agent/runner"
	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/agent/tools"
	"github.com/neboloop/nebochat/internal/events"
	"github.com/neboloop/nebochat/internal/lifecycle"
	"github.com/neboloop/nebochat/internal/logging"
	"github.com/neboloop/nebochat/internal/metrics"
	"github.com/neboloop/nebochat/internal/middleware"
)

// Deps holds everything the server needs. Config, Store and Backend are
// required; the rest fall back to defaults.
type Deps struct {
	Config    *config.Config
	Store     session.Store
	Backend   runner.Backend
	Registry  *tools.Registry
	Lifecycle *lifecycle.Manager
	Metrics   *metrics.Metrics
	Budgeter  *runner.Budgeter  // shared so hot-reloaded thresholds reach every runner
	Publisher events.Publisher // optional remote sink for lifecycle events (NATS)
}

// Server routes API requests to the conversation hub
type Server struct {
	deps    Deps
	hub     *Hub
	subject *events.Subject
	router  chi.Router
}

// New wires the hub, the event fan-out and the router
func New(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = lifecycle.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Budgeter == nil {
		deps.Budgeter = runner.NewBudgeter(deps.Config.Budget)
	}

	subject := events.NewSubject(
		events.WithSyncDelivery(),
		events.WithLogger(logging.Component("events")),
	)
	events.NewBridge(subject, deps.Publisher, deps.Config.Events.SubjectPrefix).Attach(deps.Lifecycle)

	s := &Server{
		deps:    deps,
		hub:     newHub(deps, subject),
		subject: subject,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the conversation hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops the event fan-out
func (s *Server) Close() {
	events.Complete(s.subject)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.JWT(s.deps.Config.Server.JWTSecret))

		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Delete("/", s.handleDeleteConversation)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/summary", s.handleRefreshSummary)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	// No ReadTimeout/WriteTimeout: they would cut hijacked WebSocket
	// connections. Keepalive is handled by ping/pong in the client pumps.
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	logging.Infof("Server ready at http://%s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down server gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Close()
	return nil
}
