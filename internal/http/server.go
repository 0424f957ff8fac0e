// Package http provides the control-plane HTTP server of the relay.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/coderoom/internal/hub"
	"github.com/xiaot623/coderoom/internal/policy"
	"github.com/xiaot623/coderoom/internal/repository"
)

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Authorizer decides whether a run-request may execute.
type Authorizer interface {
	Allowed(ctx context.Context, in policy.RunInput) (bool, string, error)
}

// Runner executes code and returns its output.
type Runner interface {
	Run(ctx context.Context, language, code string) (string, error)
}

// Options wires the control plane to the rest of the relay.
type Options struct {
	Store       repository.Store
	Hub         *hub.Hub
	Verifier    TokenVerifier
	Policy      Authorizer
	Executor    Runner
	Gatherer    prometheus.Gatherer
	ExecTimeout time.Duration
}

// Server is the control-plane HTTP server.
type Server struct {
	echo        *echo.Echo
	store       repository.Store
	hub         *hub.Hub
	verifier    TokenVerifier
	policy      Authorizer
	executor    Runner
	execTimeout time.Duration

	// in-flight executions
	runs sync.WaitGroup
}

// NewServer creates a new control-plane server.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		echo:        e,
		store:       opts.Store,
		hub:         opts.Hub,
		verifier:    opts.Verifier,
		policy:      opts.Policy,
		executor:    opts.Executor,
		execTimeout: opts.ExecTimeout,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	rooms := e.Group("/rooms", s.requireUser)
	rooms.POST("", s.CreateRoom)
	rooms.GET("/:room_id", s.GetRoom)
	rooms.POST("/:room_id/join", s.JoinRoom)
	rooms.POST("/:room_id/run", s.RunCode)
	rooms.GET("/:room_id/executions", s.ListExecutions)

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server and waits for in-flight executions.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "running",
		"connections": s.hub.GetConnectionCount(),
		"rooms":       s.hub.GetRoomCount(),
	})
}
