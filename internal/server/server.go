// Package server provides the HTTP surface: tenant listing, on-demand sync
// triggers, sync history and system status.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/database"
	"github.com/mstakhov/wbsync/internal/domain"
)

// TenantStore is the tenant access the handlers need.
type TenantStore interface {
	List(ctx context.Context) ([]*domain.Tenant, error)
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	SetPaused(ctx context.Context, id string, paused bool) error
}

// LogStore reads sync history.
type LogStore interface {
	Latest(ctx context.Context, tenantID string) (*domain.SyncLog, error)
	Recent(ctx context.Context, tenantID string, days int) ([]*domain.SyncLog, error)
}

// Dispatcher accepts on-demand sync requests.
type Dispatcher interface {
	Trigger(tenantID string, trigger domain.SyncTrigger) error
}

// Config holds server construction parameters.
type Config struct {
	Port       int
	DevMode    bool
	Tenants    TenantStore
	Logs       LogStore
	Dispatcher Dispatcher
	CoreDB     *database.DB
	SyncLogDB  *database.DB
	Log        zerolog.Logger
}

// Server is the HTTP server.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	tenants    TenantStore
	logs       LogStore
	dispatcher Dispatcher
	coreDB     *database.DB
	syncLogDB  *database.DB
	startedAt  time.Time
	log        zerolog.Logger
}

// New creates the server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		tenants:    cfg.Tenants,
		logs:       cfg.Logs,
		dispatcher: cfg.Dispatcher,
		coreDB:     cfg.CoreDB,
		syncLogDB:  cfg.SyncLogDB,
		startedAt:  time.Now(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if devMode {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system/status", s.handleSystemStatus)

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", s.handleListTenants)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Post("/sync", s.handleTriggerSync)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Get("/synclogs", s.handleRecentLogs)
				r.Get("/synclogs/latest", s.handleLatestLog)
			})
		})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
