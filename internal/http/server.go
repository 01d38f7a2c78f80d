// Package http provides the HTTP API for deepresearch.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/gateway"
	"github.com/fyrsmithlabs/deepresearch/internal/retry"
	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Service runs research and lists the available tools. *workflow.Pipeline
// implements it.
type Service interface {
	Run(ctx context.Context, query string, opts workflow.RunOptions) (*workflow.RunResult, error)
	RunStream(ctx context.Context, query string, opts workflow.RunOptions) (<-chan workflow.Event, error)
	Tools(ctx context.Context) ([]gateway.ToolDescriptor, error)
}

// Server provides HTTP endpoints for deepresearch.
type Server struct {
	echo    *echo.Echo
	service Service
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RunTimeout bounds a single run. Zero means no limit beyond the
	// client's connection.
	RunTimeout time.Duration

	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Meter records request metrics. Defaults to the global meter provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(service Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8088,
		}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := NewHTTPMetrics(cfg.Meter, logger)
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleRun)
	v1.POST("/runs/stream", s.handleRunStream)
	v1.GET("/tools", s.handleTools)
}

// Echo exposes the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) bindRun(c echo.Context) (RunRequest, error) {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	return req, nil
}

func (s *Server) runContext(c echo.Context) (context.Context, context.CancelFunc) {
	ctx := c.Request().Context()
	if s.config.RunTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// handleRun executes a research run and returns its result.
func (s *Server) handleRun(c echo.Context) error {
	req, err := s.bindRun(c)
	if err != nil {
		return err
	}

	ctx, cancel := s.runContext(c)
	defer cancel()

	result, err := s.service.Run(ctx, req.Query, workflow.RunOptions{Scope: req.Scope, Metadata: req.Metadata})
	if err != nil {
		if result != nil {
			// The run finished; only its log failed.
			s.logger.Error("run log failed", zap.String("run.id", result.RunID), zap.Error(err))
			return c.JSON(http.StatusOK, RunResponse{RunResult: result, LogError: err.Error()})
		}
		return s.runError(err)
	}
	return c.JSON(http.StatusOK, RunResponse{RunResult: result})
}

// handleTools lists the tools exposed by the configured MCP providers.
func (s *Server) handleTools(c echo.Context) error {
	tools, err := s.service.Tools(c.Request().Context())
	if err != nil {
		s.logger.Error("list tools failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "tool providers unavailable")
	}
	if tools == nil {
		tools = []gateway.ToolDescriptor{}
	}
	return c.JSON(http.StatusOK, ToolsResponse{Tools: tools})
}

// runError maps a failed run onto an HTTP error.
func (s *Server) runError(err error) error {
	s.logger.Error("research run failed", zap.Error(err))
	switch {
	case errors.Is(err, workflow.ErrEmptyQuery):
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	case errors.Is(err, retry.ErrQuotaExhausted):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "research run timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never seen.
		return echo.NewHTTPError(http.StatusServiceUnavailable, "research run cancelled")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
