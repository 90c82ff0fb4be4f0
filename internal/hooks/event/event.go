// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package event routes named events to plug functions that subscribe to
// them through the "events" function metadata.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/syscalls"
	"github.com/plugos/plugos/internal/system"
	"github.com/plugos/plugos/pkg/errutil"
)

// MetadataKey is the function metadata key this hook reads.
const MetadataKey = "events"

// SyscallDispatch lets plugs dispatch events to each other.
const SyscallDispatch = "event.dispatch"

// Listener is one subscribed plug function.
type Listener struct {
	Plug     string
	Function string
}

func (l Listener) String() string { return l.Plug + "." + l.Function }

// Option configures a Hook.
type Option func(*Hook)

// WithConcurrency bounds how many listeners one Dispatch runs at once.
// Zero or less means unbounded.
func WithConcurrency(n int) Option {
	return func(h *Hook) {
		h.limit = n
	}
}

// Hook maintains the event name to listener index.
type Hook struct {
	sys   *system.System
	limit int

	mu        sync.RWMutex
	listeners map[string][]Listener
}

// Compile-time interface check.
var _ system.Hook = (*Hook)(nil)

// New creates a hook. Add it to a System with AddHook.
func New(opts ...Option) *Hook {
	h := &Hook{listeners: make(map[string][]Listener)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Apply registers event.dispatch, subscribes to lifecycle events and
// indexes already loaded plugs.
func (h *Hook) Apply(s *system.System) {
	h.sys = s
	if err := s.RegisterSyscalls(syscalls.Mapping{SyscallDispatch: h.dispatchSyscall}); err != nil {
		errutil.LogError(slog.Default(), "event hook could not register its syscall", err)
	}
	rebuild := func(context.Context, *plug.Plug) { h.rebuild() }
	s.OnPlugLoaded(rebuild)
	s.OnPlugUnloaded(rebuild)
	h.rebuild()
}

func decodeEvents(def plug.FunctionDef) ([]string, bool, error) {
	var events []string
	found, err := def.Decode(MetadataKey, &events)
	return events, found, err
}

// ValidateManifest reports malformed event subscriptions.
func (h *Hook) ValidateManifest(m *plug.Manifest) []string {
	var problems []string
	for _, fn := range m.FunctionNames() {
		def, _ := m.Function(fn)
		events, found, err := decodeEvents(def)
		if !found {
			continue
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("Function %s has invalid events: %v", fn, err))
			continue
		}
		for _, e := range events {
			if e == "" {
				problems = append(problems, fmt.Sprintf("Function %s subscribes to an empty event name", fn))
				break
			}
		}
	}
	return problems
}

func (h *Hook) rebuild() {
	listeners := make(map[string][]Listener)
	for _, p := range h.sys.LoadedPlugs() {
		m := p.Manifest()
		for _, fn := range m.FunctionNames() {
			def, _ := m.Function(fn)
			events, found, err := decodeEvents(def)
			if !found || err != nil {
				continue
			}
			for _, e := range events {
				if e != "" {
					listeners[e] = append(listeners[e], Listener{Plug: p.Name(), Function: fn})
				}
			}
		}
	}

	h.mu.Lock()
	h.listeners = listeners
	h.mu.Unlock()
}

// Listeners returns the functions subscribed to event, in plug then
// function name order.
func (h *Hook) Listeners(event string) []Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Listener(nil), h.listeners[event]...)
}

// Dispatch invokes every listener of event concurrently with data as the
// only argument. It returns the results of the listeners that succeeded,
// in listener order, and the failures joined into one error.
func (h *Hook) Dispatch(ctx context.Context, event string, data any) ([]any, error) {
	listeners := h.Listeners(event)
	if len(listeners) == 0 {
		return nil, nil
	}

	results := make([]any, len(listeners))
	errs := make([]error, len(listeners))

	var g errgroup.Group
	if h.limit > 0 {
		g.SetLimit(h.limit)
	}
	for i, l := range listeners {
		g.Go(func() error {
			r, err := h.sys.Invoke(ctx, l.Plug, l.Function, data)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", l, err)
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	out := make([]any, 0, len(listeners))
	for i := range listeners {
		if errs[i] == nil {
			out = append(out, results[i])
		}
	}
	return out, errors.Join(errs...)
}

const dispatchUsage = "event.dispatch(name, data)"

func (h *Hook) dispatchSyscall(ctx context.Context, call syscalls.CallContext, args ...any) (any, error) {
	name, err := syscalls.StringArg(SyscallDispatch, dispatchUsage, args, 0)
	if err != nil {
		return nil, err
	}

	results, err := h.Dispatch(ctx, name, syscalls.OptionalArg(args, 1))
	if err != nil {
		slog.Warn("event listeners failed",
			"event", name,
			"dispatcher", call.Plug.Name(),
			"error", err)
	}
	return results, nil
}
