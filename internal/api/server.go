// Package api is the HTTP facade over the resilience core. It translates
// typed core errors to status codes and exposes the Prometheus registry.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openwatt/datamesh/pkg/core"
	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/observability"
)

// ServerConfig holds HTTP server parameters
type ServerConfig struct {
	ListenAddress         string        `json:"listen_address"`
	ReadTimeout           time.Duration `json:"read_timeout"`
	WriteTimeout          time.Duration `json:"write_timeout"`
	EnableMetricsEndpoint bool          `json:"enable_metrics_endpoint"`
}

// Server serves the core's HTTP API
type Server struct {
	config  ServerConfig
	manager *core.Manager
	engine  *gin.Engine
	http    *http.Server

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer creates the HTTP facade and registers its routes
func NewServer(config ServerConfig, manager *core.Manager, logger observability.Logger, metrics observability.MetricsClient) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:  config,
		manager: manager,
		engine:  engine,
		logger:  logger.WithPrefix("api"),
		metrics: metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	if s.config.EnableMetricsEndpoint {
		if prom, ok := s.metrics.(*observability.PrometheusMetricsClient); ok {
			s.engine.GET("/metrics", gin.WrapH(
				promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})))
		}
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/requests", s.handleExecuteRequest)
		v1.POST("/sources", s.handleRegisterSource)
		v1.DELETE("/sources/:id", s.handleDeregisterSource)
		v1.GET("/sources/:id/metrics", s.handleSourceMetrics)
		v1.GET("/alerts", s.handleAlerts)
		v1.GET("/status", s.handleStatus)
		v1.POST("/maintenance", s.handleMaintenance)
	}
}

// Handler returns the underlying HTTP handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving; it blocks until the listener fails or is shut down
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// writeError renders the typed error envelope. Rate-limit errors carry a
// Retry-After header in whole seconds, rounded up.
func (s *Server) writeError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)

	body := gin.H{
		"kind":    errors.KindOf(err).String(),
		"message": err.Error(),
	}
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		if typed.SourceID != "" {
			body["source_id"] = typed.SourceID
		}
		if len(typed.Reasons) > 0 {
			body["reasons"] = typed.Reasons
		}
		if len(typed.PerSource) > 0 {
			body["per_source"] = typed.PerSource
		}
		if typed.RetryAfter > 0 {
			seconds := int(typed.RetryAfter / time.Second)
			if typed.RetryAfter%time.Second != 0 {
				seconds++
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			body["retry_after_ms"] = typed.RetryAfter.Milliseconds()
		}
		if !typed.NextAttemptAt.IsZero() {
			body["next_attempt_at"] = typed.NextAttemptAt.UTC().Format(time.RFC3339)
		}
	}
	c.JSON(status, gin.H{"error": body})
}
