// Package server provides the HTTP surface of missionlink: the websocket
// endpoint, resource plumbing and health/status reporting.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/missionlink/internal/engine"
	"github.com/opencode-ai/missionlink/internal/event"
	"github.com/opencode-ai/missionlink/internal/logging"
	"github.com/opencode-ai/missionlink/internal/provider"
	"github.com/opencode-ai/missionlink/internal/registry"
	"github.com/opencode-ai/missionlink/internal/storage"
	"github.com/opencode-ai/missionlink/internal/supervisor"
)

// Config holds server configuration.
type Config struct {
	Hostname    string
	Port        int
	CORSOrigins []string
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Hostname:    "127.0.0.1",
		Port:        8080,
		CORSOrigins: []string{"*"},
		ReadTimeout: 30 * time.Second,
	}
}

// Deps are the components the server exposes.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Engine     *engine.Engine
	Repository *storage.Repository
	Registry   *registry.Registry
	Providers  *provider.Registry
	Bus        *event.Bus
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	deps     Deps
	stats    *Stats
	log      zerolog.Logger

	// baseCtx is handed to websocket connections; Shutdown cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a new Server instance.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		deps:    deps,
		stats:   NewStats(deps.Bus),
		log:     logging.Component("server"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.httpSrv = &http.Server{
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.config.CORSOrigins, "*") {
		return true
	}
	return slices.Contains(s.config.CORSOrigins, origin)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", net.JoinHostPort(s.config.Hostname, fmt.Sprint(s.config.Port)))
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown. After Shutdown it returns immediately.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info().Str("addr", l.Addr().String()).Msg("listening")
	err := s.httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every connection, waits for executions to wind down and
// stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	var errs []error
	if s.deps.Supervisor != nil {
		if err := s.deps.Supervisor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
	}
	if s.deps.Engine != nil {
		if err := s.deps.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop executions: %w", err))
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	s.stats.Close()
	return errors.Join(errs...)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Stats returns the lifecycle counters.
func (s *Server) Stats() *Stats {
	return s.stats
}
