// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/system"
)

func startServer(t *testing.T, ready ReadinessChecker, registrations ...Registration) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", ready, registrations...)
	_, err := server.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func get(t *testing.T, server *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + server.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Metrics(t *testing.T) {
	server := startServer(t, func() bool { return true })

	status, body := get(t, server, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "# TYPE")
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")
}

func TestServer_RegistrationsAreExposed(t *testing.T) {
	custom := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "plugos_test_events_total",
		Help: "Counter registered by the test",
	})
	server := startServer(t, nil,
		system.RegisterMetrics,
		sandbox.RegisterMetrics,
		func(reg prometheus.Registerer) { reg.MustRegister(custom) },
	)

	custom.Add(3)
	system.PlugsLoaded.Set(2)

	_, body := get(t, server, "/metrics")
	assert.Contains(t, body, "plugos_test_events_total 3")
	assert.Contains(t, body, "plugos_plugs_loaded 2")

	count, err := testutil.GatherAndCount(server.Registry(), "plugos_plugs_loaded")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestServer_Probes(t *testing.T) {
	tests := []struct {
		name       string
		ready      ReadinessChecker
		path       string
		wantStatus int
		wantBody   string
	}{
		{"liveness", nil, "/healthz/liveness", http.StatusOK, "ok"},
		{"liveness ignores readiness", func() bool { return false }, "/healthz/liveness", http.StatusOK, "ok"},
		{"ready", func() bool { return true }, "/healthz/readiness", http.StatusOK, "ok"},
		{"not ready", func() bool { return false }, "/healthz/readiness", http.StatusServiceUnavailable, "not ready"},
		{"nil checker is ready", nil, "/healthz/readiness", http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, tt.ready)
			status, body := get(t, server, tt.path)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantBody, strings.TrimSpace(body))
		})
	}
}

func TestServer_DoubleStartFails(t *testing.T) {
	server := startServer(t, nil)
	_, err := server.Start()
	assert.Error(t, err)
}

func TestServer_StopWithoutStart(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	assert.NoError(t, server.Stop(context.Background()))
	assert.Empty(t, server.Addr())
}

func TestServer_ErrorChannelReportsServeErrors(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	defer func() { _ = server.Stop(context.Background()) }()

	// Closing the listener underneath Serve makes it fail.
	require.NoError(t, server.listener.Close())

	select {
	case serveErr := <-errCh:
		assert.Error(t, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("serve error was not reported")
	}
}

func TestServer_ErrorChannelClosesOnShutdown(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	errCh, err := server.Start()
	require.NoError(t, err)
	require.NoError(t, server.Stop(context.Background()))

	select {
	case err, ok := <-errCh:
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error channel was not closed")
	}
}

func TestServer_Status(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathStatus, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no status source yet")

	server.SetStatus(func() any {
		return map[string]any{"plugs": []string{"hello"}}
	})
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathStatus, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"plugs":["hello"]}`, rec.Body.String())
}

func TestServer_StatusEncodeFailure(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil)
	server.SetStatus(func() any { return make(chan int) })

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathStatus, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
