// Package api exposes the commit-reveal engine over HTTP: sessions are started
// and polled through a JSON API and their progress is streamed on a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"fairtx/protocol"
	"fairtx/shared"
)

// Runner is the part of protocol.Engine the server drives.
type Runner interface {
	Start(ctx context.Context, input string) (string, <-chan *protocol.SessionResult)
	RetryReveal(ctx context.Context, ticket protocol.RevealTicket) (*protocol.SessionResult, error)
}

type Config struct {
	// JWTSecret enables bearer auth on every route except health.
	JWTSecret       []byte
	CleanupInterval time.Duration
	BodyLimit       string
}

type Server struct {
	echo      *echo.Echo
	runner    Runner
	store     *Store
	hub       *Hub
	validator *requestValidator
	config    Config
	logger    *shared.Logger

	// sessions run on ctx, not on the request that started them
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

type submitRequest struct {
	Input string `json:"input"`
}

type submitResponse struct {
	SessionID string `json:"session_id"`
	StatusURL string `json:"status_url"`
}

// NewServer wires the routes. The engine behind runner should have store and
// hub registered as observers so progress is visible before completion.
func NewServer(runner Runner, store *Store, hub *Hub, config Config, logger *shared.Logger) (*Server, error) {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if config.BodyLimit == "" {
		config.BodyLimit = "64K"
	}
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:      echo.New(),
		runner:    runner,
		store:     store,
		hub:       hub,
		validator: validator,
		config:    config,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(s.config.BodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("Request handled",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	auth := JWTMiddleware(s.config.JWTSecret)

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	subs := api.Group("/submissions", auth)
	subs.POST("", s.handleSubmit)
	subs.GET("/:id", s.handleStatus)
	subs.POST("/:id/reveal", s.handleReveal)

	e.GET("/ws", s.hub.ServeWS, auth)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start(addr string) error {
	s.store.StartCleanupRoutine(s.config.CleanupInterval)
	s.logger.Info("Submission API listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests and waits for running sessions until ctx
// is done, then cancels whatever is left.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("Cancelling sessions still running at shutdown")
		s.cancel()
		<-drained
	}

	s.cancel()
	s.hub.Close()
	s.store.Stop()
	return err
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"service":    "fairtx",
		"sessions":   s.store.Len(),
		"ws_clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleSubmit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read request body")
	}
	if err := s.validator.Validate(body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON")
	}

	s.inflight.Add(1)
	id, done := s.runner.Start(s.ctx, req.Input)
	s.store.Track(id)
	go func() {
		defer s.inflight.Done()
		s.store.Complete(<-done)
	}()

	s.logger.WithSession(id).Info("Submission accepted")
	return c.JSON(http.StatusAccepted, submitResponse{
		SessionID: id,
		StatusURL: "/api/v1/submissions/" + id,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	view, ok := s.store.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrSessionNotFound.Error())
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleReveal(c echo.Context) error {
	id := c.Param("id")
	ticket, err := s.store.BeginRetry(id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res, err := s.runner.RetryReveal(s.ctx, ticket)
		if err != nil {
			s.logger.WithSession(id).Warn("Reveal retry failed", zap.Error(err))
		}
		s.store.Complete(res)
	}()

	return c.JSON(http.StatusAccepted, submitResponse{
		SessionID: id,
		StatusURL: "/api/v1/submissions/" + id,
	})
}
