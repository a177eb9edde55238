// Package gateway exposes the memory subsystem over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msai-amin/Ryzomatic-sub006/internal/assembler"
	"github.com/msai-amin/Ryzomatic-sub006/internal/config"
	"github.com/msai-amin/Ryzomatic-sub006/internal/observability"
)

// Server is the HTTP surface of the memory subsystem. Authentication is
// handled upstream; the caller's identity arrives in the X-Owner-ID header.
type Server struct {
	cfg       config.ServerConfig
	store     MemoryService
	assembler *assembler.Assembler
	resolver  ActionService
	logger    *observability.Logger
	registry  *prometheus.Registry

	httpServer *http.Server
}

// NewServer creates the gateway server.
func NewServer(cfg config.ServerConfig, store MemoryService, asm *assembler.Assembler, resolver ActionService, logger *observability.Logger, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		assembler: asm,
		resolver:  resolver,
		logger:    logger,
		registry:  registry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/memory/extract", s.requireOwner(s.handleExtract))
	mux.HandleFunc("POST /v1/memory/search", s.requireOwner(s.handleSearch))
	mux.HandleFunc("GET /v1/related/{id}", s.requireOwner(s.handleRelated))
	mux.HandleFunc("POST /v1/context/assemble", s.requireOwner(s.handleAssemble))
	mux.HandleFunc("POST /v1/actions/resolve", s.requireOwner(s.handleResolveAction))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.withRequestID(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "gateway listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withRequestID stamps every request with a correlation ID for logging.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), observability.RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireOwner rejects requests without an owner identity and threads the
// owner ID through the request context.
func (s *Server) requireOwner(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get("X-Owner-ID")
		if ownerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing X-Owner-ID header"})
			return
		}
		ctx := context.WithValue(r.Context(), observability.OwnerIDKey, ownerID)
		next(w, r.WithContext(ctx), ownerID)
	}
}
