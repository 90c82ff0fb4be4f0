// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package observability serves Prometheus metrics, health probes and a JSON
// status document for the plugos host.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// Endpoint paths.
const (
	PathMetrics   = "/metrics"
	PathLiveness  = "/healthz/liveness"
	PathReadiness = "/healthz/readiness"
	PathStatus    = "/status"
)

// ReadinessChecker reports whether plugs have been loaded and the host is
// ready to serve invocations. A nil checker is always ready.
type ReadinessChecker func() bool

// StatusFunc returns the document served at PathStatus. It must be safe to
// marshal as JSON.
type StatusFunc func() any

// Registration adds collectors to the server's registry.
type Registration func(reg prometheus.Registerer)

// Server serves the observability endpoints on its own registry.
type Server struct {
	addr     string
	registry *prometheus.Registry
	isReady  ReadinessChecker
	status   atomic.Pointer[StatusFunc]
	handler  http.Handler

	running    atomic.Bool
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a server for addr ("host:port"). The registry starts
// with the Go and process collectors; each registration is applied after.
func NewServer(addr string, readinessChecker ReadinessChecker, registrations ...Registration) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, register := range registrations {
		register(registry)
	}

	s := &Server{
		addr:     addr,
		registry: registry,
		isReady:  readinessChecker,
	}

	mux := http.NewServeMux()
	mux.Handle(PathMetrics, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc(PathLiveness, s.handleLiveness)
	mux.HandleFunc(PathReadiness, s.handleReadiness)
	mux.HandleFunc(PathStatus, s.handleStatus)
	s.handler = mux
	return s
}

// Registry returns the server's registry.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler { return s.handler }

// SetStatus installs the status document source. Until it is called
// PathStatus answers 404.
func (s *Server) SetStatus(fn StatusFunc) {
	s.status.Store(&fn)
}

// Start listens and serves in the background. The returned channel receives
// a serve error, if any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("observability").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = listener
	s.httpServer = srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("observability server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Calling it on a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.running.Store(true)
		return oops.In("observability").With("operation", "shutdown").Wrap(err)
	}
	slog.Info("observability server stopped")
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.isReady == nil || s.isReady() {
		writeText(w, http.StatusOK, "ok")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "not ready")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fn := s.status.Load()
	if fn == nil {
		http.NotFound(w, r)
		return
	}
	data, err := jsoniter.Marshal((*fn)())
	if err != nil {
		slog.Error("failed to encode status", "error", err)
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client may disconnect
	w.Write(data)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	w.Write([]byte(body + "\n"))
}
