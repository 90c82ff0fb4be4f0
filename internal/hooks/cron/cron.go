// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package cron runs plug functions on a schedule declared with the "cron"
// function metadata, using standard five-field specs or descriptors such
// as "@hourly" and "@every 5m".
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/system"
	"github.com/plugos/plugos/pkg/errutil"
)

// MetadataKey is the function metadata key this hook reads.
const MetadataKey = "cron"

// Job is one scheduled plug function.
type Job struct {
	Plug     string `json:"plug"`
	Function string `json:"function"`
	Spec     string `json:"spec"`
	// Next is the next activation; zero while the scheduler is stopped.
	Next time.Time `json:"next"`

	id cron.EntryID
}

// Option configures a Hook.
type Option func(*Hook)

// WithJobTimeout bounds each scheduled invocation.
func WithJobTimeout(d time.Duration) Option {
	return func(h *Hook) {
		h.timeout = d
	}
}

// Hook keeps a scheduler in sync with the loaded plugs.
type Hook struct {
	sys     *system.System
	timeout time.Duration
	logger  cron.Logger

	mu      sync.Mutex
	sched   *cron.Cron
	jobs    []Job
	running bool
}

// Compile-time interface check.
var _ system.Hook = (*Hook)(nil)

// New creates a stopped hook. Add it to a System with AddHook and call
// Start to begin running jobs.
func New(opts ...Option) *Hook {
	h := &Hook{logger: slogLogger{slog.Default()}}
	for _, opt := range opts {
		opt(h)
	}
	h.sched = h.newScheduler()
	return h
}

func (h *Hook) newScheduler() *cron.Cron {
	return cron.New(
		cron.WithLogger(h.logger),
		cron.WithChain(cron.Recover(h.logger), cron.SkipIfStillRunning(h.logger)),
	)
}

// Apply subscribes to lifecycle events and schedules already loaded plugs.
func (h *Hook) Apply(s *system.System) {
	h.sys = s
	rebuild := func(context.Context, *plug.Plug) { h.rebuild() }
	s.OnPlugLoaded(rebuild)
	s.OnPlugUnloaded(rebuild)
	h.rebuild()
}

// ValidateManifest reports cron specs that do not parse.
func (h *Hook) ValidateManifest(m *plug.Manifest) []string {
	var problems []string
	for _, fn := range m.FunctionNames() {
		def, _ := m.Function(fn)
		var spec string
		found, err := def.Decode(MetadataKey, &spec)
		if !found {
			continue
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("Function %s has an invalid cron entry: %v", fn, err))
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			problems = append(problems, fmt.Sprintf("Function %s has an invalid cron spec %q: %v", fn, spec, err))
		}
	}
	return problems
}

// rebuild replaces the scheduler with one built from the loaded plugs.
func (h *Hook) rebuild() {
	next := h.newScheduler()
	var jobs []Job
	for _, p := range h.sys.LoadedPlugs() {
		m := p.Manifest()
		for _, fn := range m.FunctionNames() {
			def, _ := m.Function(fn)
			var spec string
			if found, err := def.Decode(MetadataKey, &spec); !found || err != nil {
				continue
			}
			id, err := next.AddFunc(spec, h.run(p.Name(), fn, spec))
			if err != nil {
				slog.Warn("skipping unparseable cron spec", "plug", p.Name(), "function", fn, "spec", spec, "error", err)
				continue
			}
			jobs = append(jobs, Job{Plug: p.Name(), Function: fn, Spec: spec, id: id})
		}
	}

	h.mu.Lock()
	old := h.sched
	h.sched = next
	h.jobs = jobs
	running := h.running
	if running {
		next.Start()
	}
	h.mu.Unlock()

	if running {
		// In-flight jobs of the old scheduler finish on their own.
		old.Stop()
	}
	slog.Debug("cron schedule rebuilt", "jobs", len(jobs))
}

func (h *Hook) run(plugName, fn, spec string) func() {
	return func() {
		ctx := context.Background()
		if h.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
		_, err := h.sys.Invoke(ctx, plugName, fn, map[string]any{
			"spec": spec,
			"time": time.Now().UnixMilli(),
		})
		if err != nil {
			errutil.LogError(slog.Default(), "scheduled invocation failed", err)
		}
	}
}

// Jobs returns the scheduled functions ordered by plug and function.
func (h *Hook) Jobs() []Job {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Job, len(h.jobs))
	for i, j := range h.jobs {
		j.Next = h.sched.Entry(j.id).Next
		out[i] = j
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Plug != out[j].Plug {
			return out[i].Plug < out[j].Plug
		}
		return out[i].Function < out[j].Function
	})
	return out
}

// Start begins running jobs. Idempotent.
func (h *Hook) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.sched.Start()
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (h *Hook) Stop() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	return h.sched.Stop()
}

// slogLogger adapts slog to the scheduler's logger interface.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(msg string, keysAndValues ...any) {
	s.l.Debug("cron: "+msg, keysAndValues...)
}

func (s slogLogger) Error(err error, msg string, keysAndValues ...any) {
	s.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
