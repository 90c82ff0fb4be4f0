// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/config"
	"github.com/plugos/plugos/internal/hooks/cron"
	"github.com/plugos/plugos/internal/hooks/event"
	"github.com/plugos/plugos/internal/hooks/slashcommand"
	"github.com/plugos/plugos/internal/loader"
	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/store"
	"github.com/plugos/plugos/internal/system"
)

// host is a System with the store syscalls, the standard hooks and a loader
// for the configured plugs directory.
type host struct {
	sys      *system.System
	store    store.Store
	loader   *loader.Loader
	commands *slashcommand.Hook
	events   *event.Hook
	cron     *cron.Hook
}

func newHost(ctx context.Context, cfg *config.Config, deps *Deps) (*host, error) {
	factory, err := deps.WorkerFactory(cfg)
	if err != nil {
		return nil, oops.In("plugos").Hint("failed to create worker factory").Wrap(err)
	}

	st, err := deps.StoreFactory(ctx, cfg)
	if err != nil {
		return nil, oops.In("plugos").Hint("failed to open store").Wrap(err)
	}

	sys := system.New(factory, system.WithSandboxOptions(sandbox.Options{
		CallTimeout:        cfg.CallTimeout,
		TerminateOnTimeout: cfg.TerminateOnTimeout,
	}))
	if err := sys.RegisterSyscalls(store.Syscalls(st)); err != nil {
		st.Close()
		return nil, oops.In("plugos").Wrap(err)
	}

	h := &host{
		sys:      sys,
		store:    st,
		commands: slashcommand.New(),
		events:   event.New(event.WithConcurrency(cfg.EventConcurrency)),
		cron:     cron.New(cron.WithJobTimeout(cfg.CallTimeout)),
	}
	for _, hook := range h.hooks() {
		sys.AddHook(hook)
	}
	h.loader = loader.New(cfg.PlugsDir, sys, loader.WithDebounce(cfg.WatchDebounce))
	return h, nil
}

func (h *host) hooks() []system.Hook {
	return []system.Hook{h.commands, h.events, h.cron}
}

// validators returns the hook rules a manifest is checked against before
// loading.
func validators() []plug.Validator {
	return []plug.Validator{slashcommand.New(), event.New(), cron.New()}
}

// hostStatus is what list prints and the status endpoint serves.
type hostStatus struct {
	Plugs    []system.PlugInfo      `json:"plugs"`
	Commands []slashcommand.Command `json:"commands"`
	Cron     []cron.Job             `json:"cron"`
}

func (h *host) status() hostStatus {
	plugs := make([]system.PlugInfo, 0)
	for _, p := range h.sys.LoadedPlugs() {
		plugs = append(plugs, system.Describe(p))
	}
	return hostStatus{
		Plugs:    plugs,
		Commands: h.commands.Commands(),
		Cron:     h.cron.Jobs(),
	}
}

// close stops the scheduler, unloads every plug and closes the store.
func (h *host) close(ctx context.Context) {
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("cron jobs still running at shutdown")
	}
	if err := h.sys.Close(ctx); err != nil {
		slog.Warn("failed to close system", "error", err)
	}
	h.store.Close()
}
