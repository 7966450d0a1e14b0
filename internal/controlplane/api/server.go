// Package api exposes the registry, discovery and event gateway over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

const (
	// ActorHeader names the caller recorded in the audit log.
	ActorHeader = "X-Fleetreg-Actor"
	// IdempotencyHeader carries a Register idempotency token.
	IdempotencyHeader = "Idempotency-Key"
)

// Discovery is the read side the API serves. *discovery.Engine satisfies it.
type Discovery interface {
	Find(ctx context.Context, filter domain.EntityFilter) (discovery.Result, error)
	SelectOne(ctx context.Context, capability string, strategy discovery.Strategy) (discovery.Selection, error)
	Search(ctx context.Context, text string, limit int) (discovery.Result, error)
	Summary(ctx context.Context) (discovery.Summary, error)
}

// Config controls the listener.
type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:7420",
		ReadTimeout:     15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Deps are the components behind the routes.
type Deps struct {
	Registry  controlplane.Registry
	Discovery Discovery
	// Events serves the websocket endpoint; nil disables it.
	Events http.Handler
	// Ping reports store reachability for /healthz.
	Ping func(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	cfg  Config
	deps Deps
	echo *echo.Echo
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Discovery == nil {
		return nil, fmt.Errorf("discovery is required")
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Server.ReadHeaderTimeout = cfg.ReadTimeout
	e.Use(middleware.Recover())
	e.Use(actorMiddleware)
	e.Use(requestLogger)

	s := &Server{cfg: cfg, deps: deps, echo: e}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.healthz)

	v1 := e.Group("/v1")
	v1.POST("/entities", s.register)
	v1.GET("/entities", s.find)
	v1.GET("/entities/:id", s.get)
	v1.PATCH("/entities/:id", s.update)
	v1.DELETE("/entities/:id", s.deregister)
	v1.POST("/entities/:id/heartbeat", s.heartbeat)
	v1.GET("/entities/:id/audit", s.audit)
	v1.GET("/entities/:id/dependencies", s.dependencies)
	v1.GET("/entities/:id/dependents", s.dependents)

	v1.POST("/dependencies", s.addDependency)
	v1.DELETE("/dependencies", s.removeDependency)

	v1.GET("/select", s.selectOne)
	v1.GET("/search", s.search)
	v1.GET("/summary", s.summary)

	if s.deps.Events != nil {
		v1.GET("/events", echo.WrapHandler(s.deps.Events))
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	log.SafeGo("api-server", func() {
		log.Info(log.CatAPI, "listening", "addr", s.cfg.Addr)
		errc <- s.echo.Start(s.cfg.Addr)
	})

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	log.Info(log.CatAPI, "stopped")
	return nil
}

func actorMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if actor := c.Request().Header.Get(ActorHeader); actor != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(controlplane.WithActor(req.Context(), actor)))
		}
		return next(c)
	}
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		log.Debug(log.CatAPI, "request",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start))
		return err
	}
}
