// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package plug binds a validated manifest to a running sandbox.
package plug

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/syscalls"
)

// Compile-time interface check.
var _ syscalls.PlugRef = (*Plug)(nil)

// State is a plug's lifecycle stage.
type State int

// Plug states. A plug only moves forward.
const (
	StateStarting State = iota
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Validator checks hook-specific manifest rules. It returns one message
// per problem.
type Validator interface {
	ValidateManifest(m *Manifest) []string
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(m *Manifest) []string

// ValidateManifest calls f.
func (f ValidatorFunc) ValidateManifest(m *Manifest) []string {
	return f(m)
}

// Options configures a plug.
type Options struct {
	Sandbox sandbox.Options
	// OnStop is called once when the sandbox of a ready plug stops on its
	// own (crash or timeout termination), not when Stop is called.
	OnStop func(p *Plug, reason error)
}

// Plug is one loaded extension. Its identity is its manifest name; each
// load gets a fresh instance id.
type Plug struct {
	manifest   *Manifest
	instanceID string
	loadedAt   time.Time
	sb         *sandbox.Sandbox

	mu       sync.Mutex
	state    State
	stopping bool
	stopOnce sync.Once
}

// Load validates m with the structural rules and every validator, then
// starts a sandbox and transfers the plug code into it. All validation
// problems are reported together in a *ManifestError, and no sandbox is
// created for an invalid manifest. Load returns once the sandbox is ready.
func Load(ctx context.Context, m *Manifest, validators []Validator, factory sandbox.Factory, dispatcher syscalls.Dispatcher, opts Options) (*Plug, error) {
	problems := m.Problems()
	for _, v := range validators {
		problems = append(problems, v.ValidateManifest(m)...)
	}
	if m.Source == "" && m.Entry != "" {
		problems = append(problems, "entry "+m.Entry+" has not been resolved to source")
	}
	if len(problems) > 0 {
		return nil, manifestError(m.Name, problems)
	}

	p := &Plug{
		manifest:   m,
		instanceID: ulid.Make().String(),
		state:      StateStarting,
	}

	worker, err := factory.NewWorker(ctx, m.Name)
	if err != nil {
		return nil, oops.Code(CodeStartFailed).In("plug").With("plug", m.Name).Hint("failed to create worker").Wrap(err)
	}

	sbOpts := opts.Sandbox
	userExit := sbOpts.OnExit
	sbOpts.OnExit = func(reason error) {
		if userExit != nil {
			userExit(reason)
		}
		if p.markStopped() && opts.OnStop != nil {
			opts.OnStop(p, reason)
		}
	}
	p.sb = sandbox.New(p, worker, dispatcher, sbOpts)

	if err := p.sb.Load(m.Source); err != nil {
		p.Stop()
		return nil, oops.Code(CodeStartFailed).In("plug").With("plug", m.Name).Wrap(err)
	}
	if err := p.sb.WaitReady(ctx); err != nil {
		p.Stop()
		return nil, oops.Code(CodeStartFailed).In("plug").With("plug", m.Name).Wrap(err)
	}

	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		p.Stop()
		cause := p.sb.Err()
		if cause == nil {
			cause = sandbox.ErrTerminated
		}
		return nil, oops.Code(CodeStartFailed).In("plug").With("plug", m.Name).Wrap(cause)
	}
	p.state = StateReady
	p.loadedAt = time.Now()
	p.mu.Unlock()

	slog.Info("plug loaded",
		"plug", m.Name,
		"version", m.Version,
		"instance_id", p.instanceID,
		"functions", len(m.Functions))
	return p, nil
}

// Name implements syscalls.PlugRef.
func (p *Plug) Name() string { return p.manifest.Name }

// Version implements syscalls.PlugRef.
func (p *Plug) Version() string { return p.manifest.Version }

// InstanceID implements syscalls.PlugRef.
func (p *Plug) InstanceID() string { return p.instanceID }

// Manifest returns the manifest the plug was loaded from.
func (p *Plug) Manifest() *Manifest { return p.manifest }

// LoadedAt returns when the plug became ready.
func (p *Plug) LoadedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadedAt
}

// State returns the current lifecycle stage.
func (p *Plug) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed when the sandbox has stopped.
func (p *Plug) Done() <-chan struct{} {
	return p.sb.Done()
}

// Invoke calls a declared function. Undeclared functions fail locally with
// ErrFunctionNotFound.
func (p *Plug) Invoke(ctx context.Context, fn string, args ...any) (any, error) {
	if p.State() == StateStopped {
		return nil, plugStopped(p.Name())
	}
	if _, ok := p.manifest.Function(fn); !ok {
		return nil, functionNotFound(p.Name(), fn)
	}
	return p.sb.Invoke(ctx, p.manifest.HandlerName(fn), args)
}

// Logs returns the retained sandbox log entries, oldest first.
func (p *Plug) Logs() []sandbox.LogEntry {
	return p.sb.Logs()
}

// Stop terminates the sandbox and waits for its goroutines. Idempotent.
func (p *Plug) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.state = StateStopped
		p.mu.Unlock()

		p.sb.Terminate()
		p.sb.Wait()
		slog.Debug("plug stopped", "plug", p.Name(), "instance_id", p.instanceID)
	})
}

// markStopped records that the sandbox went away. It reports whether a
// ready plug stopped without being asked to. A sandbox lost during the
// handshake fails Load instead.
func (p *Plug) markStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasReady := p.state == StateReady
	p.state = StateStopped
	return wasReady && !p.stopping
}
