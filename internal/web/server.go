// Package web exposes the matching engine over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/segmatch/internal/web/handlers"
	"github.com/segmatch/internal/web/middleware"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// APIKey, when set, is required in the X-API-Key header of /api calls.
	APIKey string
}

// Server represents the web server
type Server struct {
	config     Config
	logger     *zap.Logger
	httpServer *http.Server
	router     *mux.Router
}

// NewServer creates a new web server instance
func NewServer(config Config, service handlers.Service, catalog handlers.Catalog, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{config: config, logger: logger}
	server.setupRoutes(&handlers.APIHandler{Service: service, Catalog: catalog, Logger: logger})

	server.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return server
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(api *handlers.APIHandler) {
	s.router = mux.NewRouter()
	s.router.HandleFunc("/health", api.Health).Methods("GET", "OPTIONS")

	r := s.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/corpus/refresh", api.RefreshCorpus).Methods("POST", "OPTIONS")
	r.HandleFunc("/segments/near", api.SegmentsNear).Methods("GET", "OPTIONS")

	r.HandleFunc("/disruptions/match", api.MatchBatch).Methods("POST", "OPTIONS")
	r.HandleFunc("/disruptions/{id}/match", api.MatchDisruption).Methods("POST", "OPTIONS")
	r.HandleFunc("/disruptions/{id}/mappings", api.GetMappings).Methods("GET", "OPTIONS")

	// CORS answers OPTIONS preflights before authentication runs
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.RequestLogging(s.logger))
	r.Use(middleware.Authentication(s.config.APIKey))
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
