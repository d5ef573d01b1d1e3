// Package server exposes the operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kebairia/mongokeeper/internal/config"
	"github.com/kebairia/mongokeeper/internal/logger"
	"github.com/kebairia/mongokeeper/internal/operations"
	"github.com/kebairia/mongokeeper/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithVerifier enables bearer token authentication.
func WithVerifier(v TokenVerifier) Option {
	return func(s *Server) { s.auth.verifier = v }
}

// WithScheduler exposes the scheduled backups under /api/schedule.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *Server) { s.sched = sched }
}

// Server is the HTTP front of an OperationManager.
type Server struct {
	cfg   config.Config
	ops   *operations.OperationManager
	sched *scheduler.Scheduler
	auth  authenticator
	log   logger.Logger
}

// New returns a server for ops.
func New(cfg config.Config, ops *operations.OperationManager, opts ...Option) *Server {
	s := &Server{
		cfg:  cfg,
		ops:  ops,
		auth: authenticator{cfg: cfg.Auth},
		log:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(s.loopbackOnly, withCaller).Post("/api/cron/backup", s.cronBackup)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(withCaller)

		r.Route("/api/databases", func(r chi.Router) {
			r.Get("/", s.listDatabases)
			r.Get("/status", s.databaseStatus)
			r.Post("/clone", s.cloneDatabase)
		})
		r.Get("/api/collections", s.listCollections)
		r.Post("/api/dummy-data", s.seedDummyData)

		r.Route("/api/backup", func(r chi.Router) {
			r.Post("/", s.createBackup)
			r.Get("/", s.listBackups)
			r.Post("/restore", s.restoreBackup)
			r.Delete("/{name}", s.deleteBackup)
			r.Get("/{name}/archive", s.exportBackup)
		})
		r.Route("/api/snapshot", func(r chi.Router) {
			r.Post("/", s.createSnapshot)
			r.Get("/", s.listSnapshots)
			r.Post("/restore", s.restoreSnapshot)
			r.Delete("/{name}", s.deleteSnapshot)
			r.Get("/{name}/archive", s.exportSnapshot)
		})
		r.Get("/api/storage/{kind}", s.storageUsage)
		r.Get("/api/history", s.history)
		r.Get("/api/schedule", s.schedule)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeValidationError, "method not allowed")
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.RequestTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "address", s.cfg.Server.Address)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
