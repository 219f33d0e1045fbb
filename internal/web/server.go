// Package web provides the operational HTTP surface: health, metrics,
// watcher status and folder control. It carries no business logic.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/scanfeed/internal/config"
	"github.com/JonMunkholm/scanfeed/internal/ledger"
	"github.com/JonMunkholm/scanfeed/internal/watch"
	"github.com/JonMunkholm/scanfeed/internal/web/middleware"
)

// WatcherControl is the part of *watch.Manager the server drives.
type WatcherControl interface {
	Start(ctx context.Context, folderID int64) error
	Stop(folderID int64) error
	Register(ctx context.Context, in watch.FolderInput) (*ledger.WatchedFolder, error)
	Deactivate(ctx context.Context, folderID int64, drain bool) (watch.CycleResult, error)
	Status() []watch.WatcherStatus
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators behind the routes.
type Deps struct {
	Watchers WatcherControl
	Ingester watch.Ingester
	Health   map[string]HealthCheck
	Registry *prometheus.Registry
}

// Server is the ops HTTP server.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	server *http.Server
}

// NewServer builds the router. It fails only if the request metrics cannot
// be registered.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	metrics, err := middleware.NewMetrics(deps.Registry)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
	}
	s.setupMiddleware(metrics)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware(metrics *middleware.Metrics) {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(metrics.Handler)
	s.router.Use(chimw.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{Registry: s.deps.Registry}))

	s.router.Get("/watchers", s.handleListWatchers)

	s.router.Route("/folders", func(r chi.Router) {
		r.Post("/", s.handleRegisterFolder)
		r.Post("/{id}/start", s.handleStartWatcher)
		r.Post("/{id}/stop", s.handleStopWatcher)
		r.Post("/{id}/deactivate", s.handleDeactivateFolder)
	})

	s.router.Post("/ingest", s.handleIngest)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	slog.Info("ops server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
