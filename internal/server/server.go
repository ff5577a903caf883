package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/kvexplorer/kvexplorer/internal/api"
	"github.com/kvexplorer/kvexplorer/internal/audit"
	"github.com/kvexplorer/kvexplorer/internal/config"
	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/kvexplorer/kvexplorer/internal/explorer"
	"github.com/kvexplorer/kvexplorer/internal/kvkey"
	"github.com/kvexplorer/kvexplorer/internal/metrics"
	"github.com/kvexplorer/kvexplorer/internal/middleware"
	"github.com/kvexplorer/kvexplorer/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 30 * time.Second

	latencySamples   = 1000
	latencyRetention = time.Hour
)

// Server represents the kvexplorer HTTP server
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	store          store.Store
	resolver       credentials.Resolver
	metricsManager metrics.Manager
	latency        *metrics.LatencyCollector
	auditManager   *audit.Manager
	logger         *logrus.Logger
	startTime      time.Time
}

// New creates a new server using the standard logrus logger
func New(cfg *config.Config) (*Server, error) {
	return NewWithLogger(cfg, logrus.StandardLogger())
}

// NewWithLogger creates a new server that logs to logger
func NewWithLogger(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	resolver, err := credentials.NewResolver(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential resolver: %w", err)
	}

	metricsManager := metrics.NewManager(cfg.Metrics)

	backend, err := store.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	server := &Server{
		config:         cfg,
		store:          store.Instrument(backend, metricsManager),
		resolver:       resolver,
		metricsManager: metricsManager,
		latency:        metrics.NewLatencyCollector(latencySamples, latencyRetention),
		logger:         logger,
		startTime:      time.Now(),
	}

	if cfg.Audit.Enable {
		auditStore, err := audit.NewSQLiteStore(cfg.Audit.DBPath, logger)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		server.auditManager = audit.NewManager(auditStore, logger)
	}

	handler, err := server.setupRoutes()
	if err != nil {
		server.closeStore()
		return nil, fmt.Errorf("failed to setup routes: %w", err)
	}

	server.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * cfg.Remote.Timeout,
		IdleTimeout:       60 * time.Second,
	}
	if server.httpServer.WriteTimeout <= 0 {
		server.httpServer.WriteTimeout = 60 * time.Second
	}

	return server, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully and closes
// the store
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.closeStore()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithFields(logrus.Fields{
		"address":          ln.Addr().String(),
		"backend":          s.store.Backend(),
		"credentials_mode": s.resolver.Mode(),
		"tls":              s.config.EnableTLS,
	}).Info("Starting kvexplorer server")

	if s.auditManager != nil {
		s.auditManager.StartRetentionJob(ctx, s.config.Audit.RetentionDays)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err, ok := <-errCh:
		s.closeStore()
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func (s *Server) shutdown() error {
	s.logger.WithField("uptime", time.Since(s.startTime).Round(time.Second).String()).Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
		shutdownErr = err
	}

	s.closeStore()
	return shutdownErr
}

func (s *Server) closeStore() {
	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close store")
	}
	if s.auditManager != nil {
		if err := s.auditManager.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close audit log")
		}
	}
}

// setupRoutes builds the router and wraps it, outermost first, in recovery,
// tracing, CORS and request logging. Metrics run inside the router so they
// see the matched route.
func (s *Server) setupRoutes() (http.Handler, error) {
	format, err := kvkey.ParseFormat(s.config.KeyFormat)
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(api.Options{
		Store:     s.store,
		Resolver:  s.resolver,
		Explorer:  explorer.New(s.config.Explorer),
		Metrics:   s.metricsManager,
		Latency:   s.latency,
		Audit:     s.auditManager,
		KeyFormat: format,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	if s.config.Metrics.Enable {
		router.Use(s.metricsManager.Middleware())
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, s.metricsManager.GetMetricsHandler()).Methods("GET")
	}
	apiHandler.RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.CORS(s.config.CORS.AllowedOrigins)(handler)
	handler = middleware.Tracing(s.latency)(handler)
	handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(true),
	)(handler)

	return handler, nil
}
