// Package server exposes the pipeline over HTTP: import, page listing and
// actions, server-sent events, and health probes. The visual UI lives
// elsewhere; this is the surface it talks to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/health"
	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/pipeline"
	"github.com/pagemill/pagemill/internal/store"
)

// Pipeline is the orchestrator surface the server consumes.
type Pipeline interface {
	Import(ctx context.Context, filename string, data []byte) (*pages.Source, error)
	AddRenderedPage(ctx context.Context, image []byte) (*pages.Page, error)
	ListPages(ctx context.Context) ([]*pages.Page, error)
	GetPage(ctx context.Context, id string) (*pages.Page, error)
	RecognizePage(ctx context.Context, pageID string) error
	GeneratePage(ctx context.Context, pageID string) error
	DeletePages(ctx context.Context, ids []string) error
	ReorderPages(ctx context.Context, orderedIDs []string) error
	Stats() pipeline.Stats
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8090)
	Port int
	// Pipeline is the orchestrator.
	Pipeline Pipeline
	// Store serves blob downloads and the readiness probe.
	Store store.Store
	// Gate reports OCR service health for the readiness probe.
	Gate health.Gate
	// Bus feeds the SSE endpoint.
	Bus *events.Bus
	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Server is the pagemill HTTP server.
type Server struct {
	httpServer *http.Server
	pipeline   Pipeline
	store      store.Store
	gate       health.Gate
	bus        *events.Bus
	logger     *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("health gate is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		pipeline: cfg.Pipeline,
		store:    cfg.Store,
		gate:     cfg.Gate,
		bus:      cfg.Bus,
		logger:   logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays unset: SSE connections are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}
