// Package server exposes the calculation engine over HTTP for a UI
// collaborator: cell edits, calculations, diagnostics and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/formulabench/internal/cache"
	"github.com/roach88/formulabench/internal/engine"
	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/metrics"
	"github.com/roach88/formulabench/internal/store"
)

var tracer = otel.Tracer("formulabench.server")

// Server is the HTTP server for one engine.
type Server struct {
	eng      *engine.Engine
	cache    *cache.Cache
	metrics  *metrics.Metrics
	store    *store.Store
	now      func() time.Time

	mu       sync.RWMutex
	formulas map[string]ir.FormulaSchema
	rows     int

	router *chi.Mux
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithFormulas makes formulas available for activation by id.
func WithFormulas(formulas []ir.FormulaSchema, rows int) Option {
	return func(s *Server) {
		for _, f := range formulas {
			s.formulas[f.ID] = f
		}
		s.rows = rows
	}
}

// SetFormulas replaces the formulas available for activation. The active
// formula is left alone.
func (s *Server) SetFormulas(formulas []ir.FormulaSchema) {
	m := make(map[string]ir.FormulaSchema, len(formulas))
	for _, f := range formulas {
		m[f.ID] = f
	}
	s.mu.Lock()
	s.formulas = m
	s.mu.Unlock()
}

// WithStore enables POST /snapshot.
func WithStore(st *store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithMetrics serves m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a Server instance.
func New(eng *engine.Engine, artifacts *cache.Cache, opts ...Option) *Server {
	s := &Server{
		eng:      eng,
		cache:    artifacts,
		formulas: make(map[string]ir.FormulaSchema),
		rows:     10,
		now:      time.Now,
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Route("/formula", func(r chi.Router) {
		r.Get("/", s.handleGetFormula)
		r.Post("/compile", s.handleCompile)
	})
	s.router.Get("/formulas", s.handleListFormulas)
	s.router.Put("/formulas/{formulaID}/activate", s.handleActivate)

	s.router.Route("/rows", func(r chi.Router) {
		r.Get("/", s.handleListRows)
		r.Put("/{rowID}/cells/{column}", s.handleUpdateCell)
		r.Post("/{rowID}/calculate", s.handleCalculateRow)
	})
	s.router.Post("/calculate", s.handleCalculateAll)
	s.router.Post("/snapshot", s.handleSnapshot)

	s.router.Get("/debug", s.handleDebug)
	s.router.Get("/debug/state", s.handleDebugState)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// Start begins listening for HTTP requests. Blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
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

// requestLogger logs each request with slog and wraps it in a span.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status", ww.Status()))
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(ctx),
		)
	})
}

// writeJSON encodes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", "error", err)
	}
}

// writeError writes {"error": message} with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		slog.Error("http error", "status", status, "error", message)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
