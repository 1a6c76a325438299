// Package gateway exposes the moderator HTTP surface: event queries,
// manual status overrides, sender suspension, CSV export, metrics, and a
// live event feed. It is another writer on the store, subject to the
// same transition rules as the scheduler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/store"
)

// Store is the persistence surface the gateway needs.
type Store interface {
	store.EventStore
	store.AttemptStore
}

// Accounts is the sender management surface, implemented by the ledger.
type Accounts interface {
	Accounts() []event.SenderAccount
	Get(id string) (event.SenderAccount, bool)
	ActiveCount() int
	Suspend(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
}

// Config controls the HTTP server.
type Config struct {
	Listen    string
	AuthToken string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server is the moderator gateway.
type Server struct {
	cfg      Config
	store    Store
	accounts Accounts
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// New builds a server. gatherer may be nil to disable /metrics.
func New(cfg Config, st Store, accounts Accounts, hub *Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		accounts: accounts,
		hub:      hub,
		gatherer: gatherer,
		logger:   logger,
	}
}

// buildRouter constructs the chi mux with all routes wired.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public, no auth required.
	r.Get("/health", s.handleHealth())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.AuthToken))

		if s.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
		if s.hub != nil {
			r.Get("/ws/events", s.handleEventFeed())
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/events", s.handleListEvents())
			r.Get("/events/{id}", s.handleGetEvent())
			r.Get("/events/{id}/attempts", s.handleEventAttempts())
			r.Post("/events/{id}/status", s.handleOverrideStatus())
			r.Post("/events/{id}/note", s.handleSetNote())

			r.Get("/accounts", s.handleListAccounts())
			r.Post("/accounts/{id}/suspend", s.handleSuspend())
			r.Post("/accounts/{id}/reactivate", s.handleReactivate())

			r.Get("/export/events.csv", s.handleExportEvents())
			r.Get("/export/attempts.csv", s.handleExportAttempts())
		})
	})

	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	mux := s.buildRouter()

	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.cfg.Listen, err)
	}

	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Listen)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("gateway shutting down")
	return s.server.Shutdown(shutdownCtx)
}
