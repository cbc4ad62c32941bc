// Package http exposes the ravend API over JSON: scope management,
// the remember preview/confirm flow, asking, team questions, and
// learning objectives.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/ask"
	"github.com/corvidlabs/ravend/internal/escalation"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/objective"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/scope"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the domain services the API fronts.
type Services struct {
	Scopes     *scope.Service
	Remember   *remember.Pipeline
	Ask        *ask.Engine
	Escalation *escalation.Manager
	Objectives *objective.Scheduler

	// Store is optional; when set, /healthz verifies it.
	Store Pinger
}

// Server provides HTTP endpoints for ravend.
type Server struct {
	echo   *echo.Echo
	svc    Services
	logger *logging.Logger
	config *Config
}

// NewServer creates the API server.
func NewServer(svc Services, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc.Scopes == nil || svc.Remember == nil || svc.Ask == nil ||
		svc.Escalation == nil || svc.Objectives == nil {
		return nil, fmt.Errorf("all services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9340,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	e.HTTPErrorHandler = errorHandler(logger, e)

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/scopes", s.handleCreateScope)
	v1.GET("/scopes", s.handleResolveVisibleScopes)
	v1.GET("/scopes/:id", s.handleGetScope)
	v1.GET("/scopes/:id/path", s.handleScopePath)
	v1.PATCH("/scopes/:id", s.handleUpdateScope)
	v1.DELETE("/scopes/:id", s.handleDeleteScope)
	v1.POST("/scopes/private", s.handleGetOrCreatePrivateScope)

	v1.POST("/remember/preview", s.handlePreviewRemember)
	v1.GET("/remember/:previewId", s.handleGetPreview)
	v1.POST("/remember/:previewId/confirm", s.handleConfirmRemember)
	v1.POST("/remember/:previewId/cancel", s.handleCancelRemember)

	v1.POST("/ask", s.handleAsk)

	v1.POST("/questions", s.handleCreateQuestion)
	v1.GET("/questions", s.handleListQuestions)
	v1.GET("/questions/:id", s.handleGetQuestion)
	v1.POST("/questions/:id/answer", s.handleAnswerQuestion)
	v1.POST("/questions/:id/follow-up", s.handleAskFollowUp)
	v1.POST("/questions/:id/reject", s.handleRejectQuestion)
	v1.POST("/questions/:id/close", s.handleCloseQuestion)

	v1.POST("/objectives", s.handleCreateObjective)
	v1.GET("/objectives", s.handleListObjectives)
	v1.GET("/objectives/:id", s.handleGetObjective)
	v1.PATCH("/objectives/:id", s.handleUpdateObjective)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.svc.Store != nil {
		if err := s.svc.Store.Ping(c.Request().Context()); err != nil {
			s.logger.Error(c.Request().Context(), "storage ping failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Echo exposes the underlying router for extra route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
