// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package syscalls is the capability-gated dispatch table sandboxed plug code
// uses to reach host functionality.
//
// Feature areas contribute a Mapping from dotted names ("namespace.op") to
// handlers. Mappings are flattened into one Registry at setup; a name that is
// already present is a configuration error.
package syscalls

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/capability"
	"github.com/plugos/plugos/pkg/errutil"
)

// PlugRef identifies the plug on whose behalf a syscall runs.
type PlugRef interface {
	Name() string
	Version() string
	InstanceID() string
}

// CallContext is passed to every handler. It is the only channel through
// which a handler learns who is calling.
type CallContext struct {
	Plug PlugRef
}

// Handler implements one syscall.
type Handler func(ctx context.Context, call CallContext, args ...any) (any, error)

// Mapping is one feature area's contribution to the syscall table.
type Mapping map[string]Handler

// Dispatcher resolves syscalls for a sandbox.
type Dispatcher interface {
	Dispatch(ctx context.Context, call CallContext, name string, args []any) (any, error)
}

// Compile-time interface check.
var _ Dispatcher = (*Registry)(nil)

// Registry is the merged syscall table. It is safe for concurrent use;
// after setup it is only read.
type Registry struct {
	handlers map[string]Handler
	enforcer *capability.Enforcer
	mu       sync.RWMutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEnforcer gates every dispatch on the grants of the calling plug
// instance.
func WithEnforcer(e *capability.Enforcer) RegistryOption {
	return func(r *Registry) {
		r.enforcer = e
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register flattens mappings into the table in order. If any name collides
// with an existing entry or with an earlier mapping in the same call, nothing
// is applied and an error naming every collision is returned.
func (r *Registry) Register(mappings ...Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string]Handler)
	var dupes []string
	for _, m := range mappings {
		for name, h := range m {
			if name == "" || h == nil {
				return oops.In("syscalls").With("syscall", name).Errorf("syscall %q has an empty name or nil handler", name)
			}
			if _, ok := r.handlers[name]; ok {
				dupes = append(dupes, name)
				continue
			}
			if _, ok := staged[name]; ok {
				dupes = append(dupes, name)
				continue
			}
			staged[name] = h
		}
	}
	if len(dupes) > 0 {
		sort.Strings(dupes)
		return ErrDuplicate(dupes)
	}

	for name, h := range staged {
		r.handlers[name] = h
	}
	return nil
}

// Has reports whether a syscall is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns all registered syscall names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the named syscall for the calling plug. A panicking handler
// is recovered and reported as a handler error.
func (r *Registry) Dispatch(ctx context.Context, call CallContext, name string, args []any) (result any, err error) {
	plugName, instanceID := "", ""
	if call.Plug != nil {
		plugName = call.Plug.Name()
		instanceID = call.Plug.InstanceID()
	}

	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		RecordSyscall(name, StatusUnknown)
		return nil, ErrUnknown(name)
	}

	if r.enforcer != nil && !r.enforcer.Check(instanceID, name) {
		RecordSyscall(name, StatusDenied)
		slog.Warn("syscall denied", "plug", plugName, "syscall", name)
		return nil, ErrDenied(plugName, name)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = ErrHandler(plugName, name, oops.In("syscalls").Errorf("panic: %v", rec))
		}
		RecordSyscallDuration(name, time.Since(start))
		if err != nil {
			RecordSyscall(name, StatusError)
			errutil.LogError(slog.Default(), "syscall handler failed", err)
			return
		}
		RecordSyscall(name, StatusSuccess)
	}()

	result, err = h(ctx, call, args...)
	if err != nil {
		return nil, ErrHandler(plugName, name, err)
	}
	return result, nil
}
