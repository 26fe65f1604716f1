// Package server exposes the registry over HTTP: check/publish, target
// reads, base schema management, health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/errors"
	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/metrics"
	"github.com/wudi/schemahub/internal/notify"
	"github.com/wudi/schemahub/internal/registry"
	"github.com/wudi/schemahub/internal/tracing"
)

// Options collects the collaborators of a Server.
type Options struct {
	Config   *config.Config
	Registry *registry.Service
	Notifier *notify.Dispatcher
	Tracer   *tracing.Tracer
}

// Server is the HTTP API server.
type Server struct {
	registry  *registry.Service
	notifier  *notify.Dispatcher
	tracer    *tracing.Tracer
	auth      *JWTAuth
	ratelimit *RateLimiter

	handler    http.Handler
	httpServer *http.Server
	startTime  time.Time
}

// New creates a Server from config and collaborators.
func New(opts Options) (*Server, error) {
	cfg := opts.Config

	s := &Server{
		registry:  opts.Registry,
		notifier:  opts.Notifier,
		tracer:    opts.Tracer,
		startTime: time.Now(),
	}

	if cfg.Auth.Enabled {
		auth, err := NewJWTAuth(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		s.auth = auth
	}
	if cfg.Server.RateLimit.Enabled {
		rl, err := NewRateLimiter(cfg.Server.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		s.ratelimit = rl
	}

	s.handler = s.buildRouter(cfg)

	s.httpServer = &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        s.handler,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return s, nil
}

func (s *Server) buildRouter(cfg *config.Config) http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleMethodNotAllowed = true
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})

	// API routes carry the full chain; health and metrics stay open and
	// out of the access log.
	api := NewChain(s.apiMiddlewares()...)
	ops := NewChain(RequestID(), Recovery())

	router.Handler(http.MethodPost, "/api/v1/schema/check", api.ThenFunc(s.handleCheck))
	router.Handler(http.MethodPost, "/api/v1/schema/publish", api.ThenFunc(s.handlePublish))
	router.Handler(http.MethodGet, "/api/v1/targets/:org/:project/:target/schema", api.ThenFunc(s.handleSupergraph))
	router.Handler(http.MethodGet, "/api/v1/targets/:org/:project/:target/subgraphs", api.ThenFunc(s.handleSubgraphs))
	router.Handler(http.MethodGet, "/api/v1/targets/:org/:project/:target/history", api.ThenFunc(s.handleHistory))
	router.Handler(http.MethodPut, "/api/v1/targets/:org/:project/:target/base-schema", api.ThenFunc(s.handleSetBaseSchema))

	router.Handler(http.MethodGet, "/healthz", ops.ThenFunc(s.handleHealth))
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handler(http.MethodGet, path, ops.Then(metrics.Handler()))
	}

	return router
}

func (s *Server) apiMiddlewares() []Middleware {
	mws := []Middleware{
		RequestID(),
		AccessLog("/healthz", "/metrics"),
		Recovery(),
	}
	if s.tracer != nil && s.tracer.IsEnabled() {
		mws = append(mws, s.tracer.Middleware())
	}
	if s.auth != nil {
		mws = append(mws, s.auth.Middleware(true))
	}
	if s.ratelimit != nil {
		mws = append(mws, s.ratelimit.Middleware())
	}
	return mws
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. It returns once the listener is up or has
// failed to start.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Starting API server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		// Give the server a moment to start
	}
	return nil
}

// Shutdown stops the server, waiting up to timeout for in-flight
// requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
