// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package system is the plug registry: it owns plug lifecycle, the merged
// syscall table, the hooks and the event bus.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/capability"
	"github.com/plugos/plugos/internal/eventbus"
	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/syscalls"
)

// Lifecycle events emitted on the bus.
const (
	// EventPlugLoaded carries the *plug.Plug that became active.
	EventPlugLoaded = "plugLoaded"
	// EventPlugUnloaded carries the *plug.Plug that was removed or replaced.
	EventPlugUnloaded = "plugUnloaded"
	// EventPlugStopped carries the *plug.Plug whose sandbox exited on its
	// own, and the reason.
	EventPlugStopped = "plugStopped"
)

// Hook extends a System. Apply is called once when the hook is added;
// ValidateManifest runs for every manifest before its sandbox is created.
type Hook interface {
	Apply(s *System)
	ValidateManifest(m *plug.Manifest) []string
}

// Option configures a System.
type Option func(*System)

// WithSandboxOptions sets the options every plug sandbox is created with.
func WithSandboxOptions(opts sandbox.Options) Option {
	return func(s *System) {
		s.sandboxOpts = opts
	}
}

// WithEnforcer uses e for capability checks instead of a private enforcer.
func WithEnforcer(e *capability.Enforcer) Option {
	return func(s *System) {
		s.enforcer = e
	}
}

// System manages loaded plugs.
type System struct {
	factory     sandbox.Factory
	registry    *syscalls.Registry
	enforcer    *capability.Enforcer
	bus         *eventbus.Bus
	sandboxOpts sandbox.Options
	locks       keyedMutex

	mu     sync.RWMutex
	plugs  map[string]*plug.Plug
	hooks  []Hook
	closed bool

	// loads tracks Load calls in progress; Close waits for them.
	loads sync.WaitGroup
	// wg tracks asynchronous notifications.
	wg sync.WaitGroup
}

// New creates a System whose plugs run in workers from factory. The
// sandbox.* and system.* syscalls are registered.
func New(factory sandbox.Factory, opts ...Option) *System {
	s := &System{
		factory: factory,
		bus:     eventbus.New(),
		plugs:   make(map[string]*plug.Plug),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.enforcer == nil {
		s.enforcer = capability.NewEnforcer()
	}
	s.registry = syscalls.NewRegistry(syscalls.WithEnforcer(s.enforcer))

	if err := s.registry.Register(s.builtinSyscalls()); err != nil {
		// The registry is empty at this point.
		panic(fmt.Sprintf("system: registering builtin syscalls: %v", err))
	}
	return s
}

// Registry returns the merged syscall table.
func (s *System) Registry() *syscalls.Registry { return s.registry }

// Enforcer returns the capability enforcer.
func (s *System) Enforcer() *capability.Enforcer { return s.enforcer }

// RegisterSyscalls merges mappings into the syscall table. A name that is
// already registered fails the whole call.
func (s *System) RegisterSyscalls(mappings ...syscalls.Mapping) error {
	return s.registry.Register(mappings...)
}

// AddHook registers h and applies it.
func (s *System) AddHook(h Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
	h.Apply(s)
}

// On subscribes handler to event.
func (s *System) On(event string, handler eventbus.Handler) *eventbus.Subscription {
	return s.bus.On(event, handler)
}

// OnPlugLoaded subscribes to EventPlugLoaded.
func (s *System) OnPlugLoaded(fn func(ctx context.Context, p *plug.Plug)) *eventbus.Subscription {
	return s.bus.On(EventPlugLoaded, plugHandler(fn))
}

// OnPlugUnloaded subscribes to EventPlugUnloaded.
func (s *System) OnPlugUnloaded(fn func(ctx context.Context, p *plug.Plug)) *eventbus.Subscription {
	return s.bus.On(EventPlugUnloaded, plugHandler(fn))
}

func plugHandler(fn func(ctx context.Context, p *plug.Plug)) eventbus.Handler {
	return func(ctx context.Context, args ...any) error {
		if len(args) == 0 {
			return oops.In("system").Errorf("lifecycle event without a plug")
		}
		p, ok := args[0].(*plug.Plug)
		if !ok {
			return oops.In("system").Errorf("lifecycle event carries %T, want *plug.Plug", args[0])
		}
		fn(ctx, p)
		return nil
	}
}

// Emit publishes event to its subscribers and returns how many failed.
func (s *System) Emit(ctx context.Context, event string, args ...any) int {
	return s.bus.Emit(ctx, event, args...)
}

// Load validates m, starts its sandbox and makes it the active plug for its
// name. A plug already loaded under that name keeps serving until the new
// one is ready; it is then stopped. If loading fails the old plug is left
// untouched.
func (s *System) Load(ctx context.Context, m *plug.Manifest) (*plug.Plug, error) {
	unlock := s.locks.Lock(m.Name)
	defer unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed()
	}
	s.loads.Add(1)
	validators := make([]plug.Validator, 0, len(s.hooks)+1)
	for _, h := range s.hooks {
		validators = append(validators, h)
	}
	s.mu.Unlock()
	defer s.loads.Done()
	validators = append(validators, plug.ValidatorFunc(s.checkDependencies))

	p, err := plug.Load(ctx, m, validators, s.factory, s.registry, plug.Options{
		Sandbox: s.sandboxOpts,
		OnStop:  s.plugStopped,
	})
	if err != nil {
		recordLoad(LoadFailed)
		return nil, err
	}

	if err := s.enforcer.SetGrants(p.InstanceID(), m.Capabilities); err != nil {
		p.Stop()
		recordLoad(LoadFailed)
		return nil, oops.In("system").With("plug", m.Name).Hint("failed to set capabilities").Wrap(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.enforcer.RemoveGrants(p.InstanceID())
		p.Stop()
		recordLoad(LoadFailed)
		return nil, errClosed()
	}
	old := s.plugs[m.Name]
	s.plugs[m.Name] = p
	count := len(s.plugs)
	s.mu.Unlock()
	PlugsLoaded.Set(float64(count))

	if old != nil {
		slog.Info("replacing plug",
			"plug", m.Name,
			"old_instance", old.InstanceID(),
			"new_instance", p.InstanceID())
		old.Stop()
		s.enforcer.RemoveGrants(old.InstanceID())
		s.bus.Emit(ctx, EventPlugUnloaded, old)
		recordLoad(LoadReplaced)
	} else {
		recordLoad(LoadNew)
	}

	s.bus.Emit(ctx, EventPlugLoaded, p)
	return p, nil
}

// checkDependencies reports declared dependencies that are not loaded or
// whose version does not satisfy the constraint.
func (s *System) checkDependencies(m *plug.Manifest) []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		if name == m.Name {
			continue
		}
		constraint, err := semver.NewConstraint(m.Dependencies[name])
		if err != nil {
			// Reported by the manifest's own checks.
			continue
		}
		dep, ok := s.Plug(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("dependency %s is not loaded", name))
			continue
		}
		v := dep.Manifest().SemVer()
		if v == nil || !constraint.Check(v) {
			problems = append(problems, fmt.Sprintf("dependency %s %s does not satisfy %s", name, dep.Version(), m.Dependencies[name]))
		}
	}
	return problems
}

// Unload stops and removes the named plug.
func (s *System) Unload(ctx context.Context, name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()
	return s.unloadLocked(ctx, name)
}

func (s *System) unloadLocked(ctx context.Context, name string) error {
	s.mu.Lock()
	p, ok := s.plugs[name]
	delete(s.plugs, name)
	count := len(s.plugs)
	var dependents []string
	for other, op := range s.plugs {
		if _, dep := op.Manifest().Dependencies[name]; dep {
			dependents = append(dependents, other)
		}
	}
	s.mu.Unlock()

	if !ok {
		return errPlugNotFound(name)
	}
	PlugsLoaded.Set(float64(count))

	if len(dependents) > 0 {
		sort.Strings(dependents)
		slog.Warn("unloading plug other plugs depend on", "plug", name, "dependents", dependents)
	}

	p.Stop()
	s.enforcer.RemoveGrants(p.InstanceID())
	s.bus.Emit(ctx, EventPlugUnloaded, p)
	recordLoad(LoadUnloaded)
	return nil
}

// plugStopped runs when a sandbox exits without being asked to. The plug
// stays registered in the stopped state until it is reloaded or unloaded.
func (s *System) plugStopped(p *plug.Plug, reason error) {
	slog.Warn("plug stopped unexpectedly", "plug", p.Name(), "instance_id", p.InstanceID(), "reason", reason)

	// Subscribers may unload the plug, which waits for the goroutine this
	// runs on; notify from a fresh one.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bus.Emit(context.Background(), EventPlugStopped, p, reason)
	}()
}

// Invoke calls fn on the named plug.
func (s *System) Invoke(ctx context.Context, plugName, fn string, args ...any) (any, error) {
	p, ok := s.Plug(plugName)
	if !ok {
		return nil, errPlugNotFound(plugName)
	}
	return p.Invoke(ctx, fn, args...)
}

// Plug returns the active plug with the given name.
func (s *System) Plug(name string) (*plug.Plug, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugs[name]
	return p, ok
}

// LoadedPlugs returns the active plugs sorted by name.
func (s *System) LoadedPlugs() []*plug.Plug {
	s.mu.RLock()
	out := make([]*plug.Plug, 0, len(s.plugs))
	for _, p := range s.plugs {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close rejects further loads, waits for loads in progress, then unloads
// every plug, dependents before their dependencies.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Loads already past the closed check finish first; they see the flag
	// before registering and stop their own plug.
	s.loads.Wait()

	s.mu.Lock()
	manifests := make([]*plug.Manifest, 0, len(s.plugs))
	for _, p := range s.plugs {
		manifests = append(manifests, p.Manifest())
	}
	s.mu.Unlock()

	order := LoadOrder(manifests)
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i].Name
		if err := s.Unload(ctx, name); err != nil && !IsPlugNotFound(err) {
			slog.Warn("failed to unload plug during close", "plug", name, "error", err)
		}
	}

	s.wg.Wait()
	return nil
}
