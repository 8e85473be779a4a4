package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/middleware"
)

// ReadinessFunc reports whether the worker can take deliveries
type ReadinessFunc func() error

// Server represents the metrics/health HTTP server
type Server struct {
	server *http.Server
	port   int
	logger *logging.Logger
}

// NewServer creates a new metrics server exposing /health, /ready and /metrics
func NewServer(port int, m *Metrics, ready ReadinessFunc, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      NewRouter(m, ready, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		port:   port,
		logger: logger,
	}
}

// NewRouter builds the HTTP handler
func NewRouter(m *Metrics, ready ReadinessFunc, logger *logging.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(logger))

	router.GET("/health", healthHandler)
	router.GET("/ready", readyHandler(ready))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry: m.Registry,
	})))

	return router
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Infof("Starting metrics server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down metrics server")
	return s.server.Shutdown(ctx)
}

// Stop shuts the server down within timeout, logging any error
func (s *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Metrics server did not shut down cleanly")
	}
}

// healthHandler handles liveness requests
func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func readyHandler(ready ReadinessFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil {
			if err := ready(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
