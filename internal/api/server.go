// Package api serves the HTTP API used by the desktop front end: session
// control, logs, history, network detection and a Server-Sent Events stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paqetui/paqetd/internal/command"
	"github.com/paqetui/paqetd/internal/history"
	"github.com/paqetui/paqetd/internal/logbuf"
	"github.com/paqetui/paqetd/internal/session"
)

// Session is what the API needs from the session controller.
type Session interface {
	command.Session
	Subscribe(buffer int) (<-chan session.StateChange, func())
	SubscribeLogs(buffer int) (<-chan logbuf.Event, func())
}

// Options wires the API to its backends. History and Detector may be nil.
type Options struct {
	Session  Session
	History  history.Store
	Detector command.Detector

	// EventBuffer is the per-client SSE backlog; older events are dropped.
	EventBuffer int
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// AllowedOrigins are browser origins accepted besides loopback ones.
	AllowedOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	opts   Options
	cmds   *command.CommandHandler
	router *gin.Engine
	server *http.Server
	ln     net.Listener

	quit     chan struct{} // closed by Stop to end event streams
	quitOnce sync.Once
}

// NewServer builds the router. Call Start to serve.
func NewServer(opts Options) *Server {
	if opts.History == nil {
		opts.History = history.Noop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery(), originGuard(opts.AllowedOrigins), requireJSON())

	s := &Server{
		opts:   opts,
		cmds:   command.NewCommandHandler(opts.Session, opts.History, opts.Detector, nil),
		router: router,
		quit:   make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)

		sess := v1.Group("/session")
		sess.POST("/start", s.startSession)
		sess.POST("/stop", s.stopSession)
		sess.POST("/restart", s.restartSession)
		sess.POST("/reset", s.resetSession)

		v1.GET("/logs", s.getLogs)
		v1.GET("/history", s.getHistory)
		v1.GET("/history/:id", s.getHistoryRecord)
		v1.GET("/events", s.streamEvents)

		v1.GET("/interfaces", s.getInterfaces)
		v1.POST("/config/validate", s.validateConfig)
		v1.POST("/keygen", s.generateKey)
	}

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	// No WriteTimeout: /events is a long-lived stream.
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("starting api server", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the server. Open event streams are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	slog.Info("api server stopped")
	return nil
}

// requestLogger logs each request through slog at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
