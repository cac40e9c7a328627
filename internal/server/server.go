// Package server provides the HTTP server and routing for the deposit
// and portfolio API.
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

	"github.com/anthonykimani/kiota-sub002/internal/config"
	"github.com/anthonykimani/kiota-sub002/internal/di"
	allocationhandlers "github.com/anthonykimani/kiota-sub002/internal/modules/allocation/handlers"
	deposithandlers "github.com/anthonykimani/kiota-sub002/internal/modules/deposit/handlers"
	portfoliohandlers "github.com/anthonykimani/kiota-sub002/internal/modules/portfolio/handlers"
	rebalancinghandlers "github.com/anthonykimani/kiota-sub002/internal/modules/rebalancing/handlers"
)

// Config holds server configuration.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Config    *config.Config
	Container *di.Container
}

// Server is the HTTP front of the pipeline. All handlers pull their
// dependencies from the DI container, so the server owns no services
// of its own.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	container      *di.Container
	systemHandlers *SystemHandlers
	statusMonitor  *StatusMonitor
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	systemHandlers := NewSystemHandlers(
		cfg.Log,
		cfg.Config.DataDir,
		cfg.Container.LedgerDB,
		cfg.Container.PortfolioDB,
		cfg.Container.CacheDB,
		cfg.Container.DepositRepo,
		cfg.Container.PortfolioService,
		cfg.Container.SwapService,
	)

	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		cfg:            cfg.Config,
		container:      cfg.Container,
		systemHandlers: systemHandlers,
	}

	s.statusMonitor = NewStatusMonitor(
		cfg.Container.EventManager,
		cfg.Container.FillStream,
		cfg.Log,
	)

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

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Get("/health", s.handleHealth)

	// API routes
	s.router.Route("/api", func(r chi.Router) {
		// Unified events stream (SSE). The 60s request timeout caps each
		// connection; EventSource clients reconnect transparently.
		eventsStreamHandler := NewEventsStreamHandler(s.container.EventBus, s.log)
		r.Get("/events/stream", eventsStreamHandler.ServeHTTP)

		// System monitoring
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleSystemStatus)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
			r.Get("/disk", s.systemHandlers.HandleDiskUsage)
		})

		// Deposit lifecycle. Handlers go through the settlement
		// orchestrator rather than the deposit service so every
		// mutation serializes behind the session locks.
		depositHandler := deposithandlers.NewHandler(s.container.Orchestrator, s.log)
		depositHandler.RegisterRoutes(r)

		// Portfolio valuation and holdings, measured against the
		// standing target
		portfolioHandler := portfoliohandlers.NewHandler(s.container.PortfolioService, s.container.AllocationService, s.log)
		portfolioHandler.RegisterRoutes(r)

		// Allocation targets
		allocationHandler := allocationhandlers.NewHandler(s.container.AllocationService, s.log)
		allocationHandler.RegisterRoutes(r)

		// Rebalancing checks, history, and the manual trigger. The
		// orchestrator is the trigger so a manual run takes the same
		// portfolio lock as the scheduled one.
		rebalancingHandler := rebalancinghandlers.NewHandler(s.container.RebalancingService, s.container.Orchestrator, s.log)
		rebalancingHandler.RegisterRoutes(r)
	})
}

// Start starts the HTTP server and background monitors
func (s *Server) Start() error {
	// Start status monitor (check every 60 seconds)
	if s.statusMonitor != nil {
		s.statusMonitor.Start(60 * time.Second)
		s.log.Info().Msg("Status monitor started")
	}

	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
