// Package api exposes a read-only HTTP surface over the state store and
// router: list/inspect managed VMs, probe live state, and read the
// lifecycle audit trail, plus Prometheus metrics. It never mutates VM
// state — creation, start/stop, and destroy stay CLI-only operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Toasterson/vm-manager/internal/audit"
	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/store"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and the dependencies its handlers read
// from: the state store path (reloaded per request, since the store is
// a plain JSON file with no long-lived lock), the router for live state
// probes, and the optional audit log.
type Server struct {
	router    *chi.Mux
	storePath string
	hv        hypervisor.Hypervisor
	auditLog  *audit.Log // nil when no audit database is configured; events then read as empty
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server. auditLog may be nil.
func NewServer(addr, storePath string, hv hypervisor.Hypervisor, auditLog *audit.Log, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		storePath: storePath,
		hv:        hv,
		auditLog:  auditLog,
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/vms", func(r chi.Router) {
		r.Get("/", s.handleListVMs)
		r.Get("/{name}", s.handleGetVM)
		r.Get("/{name}/state", s.handleGetVMState)
		r.Get("/{name}/events", s.handleGetVMEvents)
	})
}

// Router returns the chi router, mainly so callers can mount it under a
// larger mux or drive it directly in tests.
func (s *Server) Router() *chi.Mux { return s.router }

// Run starts the HTTP server and blocks until a shutdown signal arrives
// or the listener fails.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

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

func (s *Server) loadStore() (store.Store, error) {
	return store.Load(s.storePath)
}

// writeError maps a vmerr.Kind to an HTTP status and writes a JSON
// error body; unrecognized errors fall back to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case vmerr.Is(err, vmerr.KindVMNotFound):
		status = http.StatusNotFound
	case vmerr.Is(err, vmerr.KindFleetFileNotFound):
		status = http.StatusNotFound
	case vmerr.Is(err, vmerr.KindInvalidState), vmerr.Is(err, vmerr.KindFleetFileValidation):
		status = http.StatusBadRequest
	case vmerr.Is(err, vmerr.KindBackendNotAvailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
