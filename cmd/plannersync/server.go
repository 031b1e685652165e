package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/health"
	"github.com/agentmesh/plannersync/webhook"
)

// server is the HTTP surface: the webhook endpoint and the health endpoint.
type server struct {
	cfg    core.HTTPConfig
	pub    *health.Publisher
	logger core.Logger

	srv     *http.Server
	running atomic.Bool
}

func newServer(cfg core.HTTPConfig, receiver *webhook.Receiver, pub *health.Publisher, logger core.Logger) *server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &server{
		cfg:    cfg,
		pub:    pub,
		logger: logger.WithComponent("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	receiver.Routes(r)
	r.Get("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      otelhttp.NewHandler(r, "plannersync.http"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

var _ core.Component = (*server)(nil)

// Name implements core.Component.
func (s *server) Name() string { return "http-server" }

// Start begins serving. Listen errors after startup are logged, not fatal;
// the webhook path degrades to polling and health reads fall back to Redis.
func (s *server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", map[string]interface{}{"error": err})
		}
	}()
	s.logger.Info("HTTP server listening", map[string]interface{}{"addr": s.cfg.Addr})
	return nil
}

// Stop drains in-flight requests within the supervisor's grace period.
func (s *server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleHealth serves the last published snapshot. When the stored copy
// expired or was never written, a fresh one is assembled inline.
func (s *server) handleHealth(w http.ResponseWriter, req *http.Request) {
	snap, ok, err := s.pub.Stored(req.Context())
	if err != nil || !ok {
		snap = s.pub.Snapshot(req.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	if snap.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}
