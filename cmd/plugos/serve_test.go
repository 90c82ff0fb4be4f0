// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugos/plugos/internal/config"
	"github.com/plugos/plugos/internal/observability"
)

// fakeObservability records how serve drives the metrics server.
type fakeObservability struct {
	ready         observability.ReadinessChecker
	registrations int
	started       atomic.Bool
	stopped       atomic.Bool
	status        observability.StatusFunc
	startErr      error
	errCh         chan error
}

func (f *fakeObservability) Start() (<-chan error, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started.Store(true)
	return f.errCh, nil
}

func (f *fakeObservability) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeObservability) Addr() string { return "fake:0" }

func (f *fakeObservability) SetStatus(fn observability.StatusFunc) { f.status = fn }

func serveDeps(obs *fakeObservability) *Deps {
	deps := testDeps()
	deps.ObservabilityServerFactory = func(_ string, ready observability.ReadinessChecker, registrations ...observability.Registration) ObservabilityServer {
		obs.ready = ready
		obs.registrations = len(registrations)
		return obs
	}
	return deps
}

func serveConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.PlugsDir = testPlugs(t)
	cfg.LogLevel = "error"
	cfg.MetricsAddr = "fake:0"
	return &cfg
}

func startServe(t *testing.T, ctx context.Context, cfg *config.Config, deps *Deps) (*syncBuffer, <-chan error) {
	t.Helper()
	out := &syncBuffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cmd, cfg, deps) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "plugos started")
	}, 5*time.Second, 10*time.Millisecond)
	return out, done
}

func TestServe_StartsAndShutsDownOnCancel(t *testing.T) {
	isolate(t)
	obs := &fakeObservability{errCh: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	_, done := startServe(t, ctx, serveConfig(t), serveDeps(obs))

	assert.True(t, obs.started.Load())
	assert.Equal(t, 3, obs.registrations)
	assert.True(t, obs.ready(), "ready once plugs are loaded")
	require.NotNil(t, obs.status)
	status, ok := obs.status().(hostStatus)
	require.True(t, ok)
	assert.Len(t, status.Plugs, 2)
	assert.Len(t, status.Commands, 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.True(t, obs.stopped.Load())
	assert.False(t, obs.ready())
}

func TestServe_ObservabilityFailureTriggersShutdown(t *testing.T) {
	isolate(t)
	obs := &fakeObservability{errCh: make(chan error, 1)}

	_, done := startServe(t, context.Background(), serveConfig(t), serveDeps(obs))
	obs.errCh <- errors.New("listener died")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve ignored the server error")
	}
}

func TestServe_ObservabilityStartFails(t *testing.T) {
	isolate(t)
	obs := &fakeObservability{startErr: errors.New("address in use")}

	err := runServe(context.Background(), &cobra.Command{}, serveConfig(t), serveDeps(obs))
	assert.ErrorContains(t, err, "address in use")
}

func TestServe_MetricsDisabled(t *testing.T) {
	isolate(t)
	cfg := serveConfig(t)
	cfg.MetricsAddr = ""
	called := false
	deps := testDeps()
	deps.ObservabilityServerFactory = func(string, observability.ReadinessChecker, ...observability.Registration) ObservabilityServer {
		called = true
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())

	_, done := startServe(t, ctx, cfg, deps)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, called)
}

func TestServe_Watch(t *testing.T) {
	isolate(t)
	cfg := serveConfig(t)
	cfg.MetricsAddr = ""
	cfg.Watch = true
	cfg.WatchDebounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	_, done := startServe(t, ctx, cfg, testDeps())
	cancel()
	require.NoError(t, <-done)
}

func TestMonitorServerErrors(t *testing.T) {
	t.Run("error cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		errCh <- errors.New("boom")
		monitorServerErrors(ctx, cancel, errCh, "test")
		assert.Error(t, ctx.Err())
	})
	t.Run("closed channel does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error)
		close(errCh)
		monitorServerErrors(ctx, cancel, errCh, "test")
		assert.NoError(t, ctx.Err())
	})
	t.Run("done context returns", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		monitorServerErrors(ctx, cancel, make(chan error), "test")
	})
}
