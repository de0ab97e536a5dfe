// Package server exposes an engine over HTTP. Turns are started with a POST
// and answered either as a JSON checkpoint or as a server-sent event stream;
// a websocket endpoint carries the same events for interactive clients.
//
// Routes:
//
//	GET    /health
//	GET    /v1/threads/:thread_id
//	POST   /v1/threads/:thread_id/messages    {"content": "..."}
//	POST   /v1/threads/:thread_id/resume
//	GET    /v1/threads/:thread_id/ws
//	GET    /v1/invocations
//	DELETE /v1/invocations/:invocation_id
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/logging"
)

// Options configure a Server.
type Options struct {
	Logger logging.Logger

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	// MaxMessageSize bounds incoming websocket frames.
	MaxMessageSize int64
	// CheckOrigin decides whether a websocket upgrade is allowed. Defaults to
	// same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// DefaultOptions are used by New.
var DefaultOptions = Options{
	PingInterval:   30 * time.Second,
	WriteTimeout:   10 * time.Second,
	MaxMessageSize: 1 << 20,
}

// Server handles HTTP requests for an engine.
type Server struct {
	engine   *engine.Engine
	echo     *echo.Echo
	logger   logging.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a server with its routes registered.
func New(eng *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := DefaultOptions
	opts.Logger = logging.NoOpLogger{}

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		engine: eng,
		logger: opts.Logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				s.logger.Warn("server.request", append(args, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("server.request", args...)
			return nil
		},
	}))

	s.RegisterRoutes(e)
	s.echo = e

	return s
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	v1 := e.Group("/v1")
	v1.GET("/threads/:thread_id", s.GetThread)
	v1.POST("/threads/:thread_id/messages", s.PostMessage)
	v1.POST("/threads/:thread_id/resume", s.Resume)
	v1.GET("/threads/:thread_id/ws", s.HandleWebSocket)
	v1.GET("/invocations", s.ListInvocations)
	v1.DELETE("/invocations/:invocation_id", s.StopInvocation)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo exposes the underlying echo instance, e.g. to add middleware.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on addr until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("server.start", "addr", addr)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting requests and waits for open ones to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server.shutdown")
	return s.echo.Shutdown(ctx)
}

// Health returns health status.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"invocations": len(s.engine.ActiveInvocations()),
	})
}
