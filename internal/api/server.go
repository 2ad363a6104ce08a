package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/conduit/internal/engine"
	"github.com/seantiz/conduit/internal/executor"
	"github.com/seantiz/conduit/internal/queue"
	"github.com/seantiz/conduit/internal/simulator"
	"github.com/seantiz/conduit/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the components the API exposes. Store and Queue are required;
// routes for a nil Engine, Simulator, Querier or Executors answer 503.
type Deps struct {
	Store     store.Store
	Queue     *queue.Queue
	Engine    *engine.Engine
	Simulator *simulator.Simulator
	Querier   Querier
	Executors *executor.Registry
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/templates", s.handleListTemplates)
	s.router.Get("/v1/executors", s.handleListExecutors)
	s.router.Post("/v1/query", s.handleQuery)

	s.router.Route("/v1/commands", func(r chi.Router) {
		r.Post("/", s.handleEnqueueCommand)
		r.Get("/", s.handleListCommands)
		r.Get("/queued", s.handleListQueued)
		r.Get("/events", s.handleStreamCommands)
		r.Get("/{id}", s.handleGetCommand)
	})

	s.router.Route("/v1/workflows", func(r chi.Router) {
		r.Post("/", s.handleSubmitWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Get("/{id}", s.handleGetWorkflow)
		r.Get("/{id}/events", s.handleStreamWorkflow)
		r.Get("/{id}/snapshots", s.handleListSnapshots)
	})

	s.router.Route("/v1/processes", func(r chi.Router) {
		r.Post("/", s.handleStartProcess)
		r.Get("/", s.handleListProcesses)
		r.Get("/{id}", s.handleGetProcess)
		r.Get("/{id}/events", s.handleStreamProcess)
		r.Delete("/{id}", s.handleCancelProcess)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
