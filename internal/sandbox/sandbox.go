// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package sandbox runs one plug inside an isolated worker and turns the
// frame protocol into typed, asynchronous RPC.
//
// A Sandbox is an actor: one mailbox goroutine reads the worker's frames,
// a pending table keyed by call id correlates responses, and callers wait
// only on their own reply channel. Responses may arrive in any order.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plugos/plugos/internal/syscalls"
	"github.com/plugos/plugos/pkg/protocol"
)

// DefaultLogBufferSize is the number of log entries a sandbox retains.
const DefaultLogBufferSize = 100

var tracer = otel.Tracer("github.com/plugos/plugos/internal/sandbox")

// LogEntry is one line logged by sandboxed code.
type LogEntry struct {
	Plug    string
	Message string
	Date    time.Time
}

// Options tunes a sandbox.
type Options struct {
	// CallTimeout bounds every invoke and syscall. Zero means no limit.
	CallTimeout time.Duration
	// TerminateOnTimeout terminates the sandbox when an invoke times out,
	// on the assumption that the worker is wedged.
	TerminateOnTimeout bool
	// LogBufferSize caps the retained log entries. Zero means the default.
	LogBufferSize int
	// OnExit is called once when the sandbox stops for any reason.
	OnExit func(reason error)
}

type reply struct {
	result any
	err    error
	name   string
}

type pendingCall struct {
	name string
	ch   chan reply
}

// Sandbox wraps exactly one worker.
type Sandbox struct {
	plug       syscalls.PlugRef
	worker     Worker
	dispatcher syscalls.Dispatcher
	opts       Options

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]pendingCall
	logs    []LogEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wraps worker and starts its mailbox. Syscalls from the worker are
// resolved through dispatcher on behalf of plug.
func New(plug syscalls.PlugRef, worker Worker, dispatcher syscalls.Dispatcher, opts Options) *Sandbox {
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = DefaultLogBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		plug:       plug,
		worker:     worker,
		dispatcher: dispatcher,
		opts:       opts,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[uint64]pendingCall),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Load transfers plug code into the worker. The sandbox becomes ready when
// the worker acknowledges it.
func (s *Sandbox) Load(source string) error {
	if err := s.post(protocol.Load(s.plug.Name(), source)); err != nil {
		return err
	}
	return nil
}

// Ready is closed once the handshake arrives or the sandbox stops.
func (s *Sandbox) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the sandbox has stopped.
func (s *Sandbox) Done() <-chan struct{} {
	return s.done
}

// WaitReady blocks until the handshake or ctx is done. It returns why the
// sandbox cannot serve calls, or nil.
func (s *Sandbox) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller's own context
	}
}

// Invoke calls a function inside the sandbox. Calls made before the
// sandbox is ready wait for the handshake rather than fail.
func (s *Sandbox) Invoke(ctx context.Context, name string, args []any) (any, error) {
	ctx, span := tracer.Start(ctx, "Sandbox.Invoke",
		trace.WithAttributes(
			attribute.String("plug", s.plug.Name()),
			attribute.String("function", name),
		))
	defer span.End()

	start := time.Now()
	result, err := s.invoke(ctx, name, args)

	status := StatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrCallTimeout):
		status = StatusTimeout
	case IsSandboxError(err):
		status = StatusTerminated
	default:
		status = StatusError
	}
	recordInvocation(s.plug.Name(), name, status, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Sandbox) invoke(ctx context.Context, name string, args []any) (any, error) {
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}

	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.opts.CallTimeout, ErrCallTimeout)
		defer cancel()
	}

	id, ch, err := s.register(name)
	if err != nil {
		return nil, err
	}

	if err := s.post(protocol.Invoke(id, name, args)); err != nil {
		s.forget(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		s.forget(id)
		if errors.Is(context.Cause(ctx), ErrCallTimeout) {
			slog.Warn("sandbox call timed out",
				"plug", s.plug.Name(),
				"function", name,
				"call_id", id,
				"timeout", s.opts.CallTimeout)
			if s.opts.TerminateOnTimeout {
				s.Terminate()
			}
			return nil, timeoutError(s.plug.Name(), name, id)
		}
		return nil, ctx.Err() //nolint:wrapcheck // caller's own context
	}
}

// Terminate discards the worker and rejects every outstanding call. It is
// idempotent and does not wait for goroutines to exit; use Wait for that.
func (s *Sandbox) Terminate() {
	s.shutdown(terminatedError(s.plug.Name()))
}

// Wait blocks until the mailbox and all syscall handlers have returned.
func (s *Sandbox) Wait() {
	s.wg.Wait()
}

// Err reports why the sandbox stopped, or nil while it is running.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneErr
}

// Pending returns the number of calls awaiting a response.
func (s *Sandbox) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Logs returns a copy of the retained log entries, oldest first.
func (s *Sandbox) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *Sandbox) register(name string) (uint64, chan reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, s.doneErr
	}
	s.nextID++
	id := s.nextID
	ch := make(chan reply, 1)
	s.pending[id] = pendingCall{name: name, ch: ch}
	return id, ch, nil
}

func (s *Sandbox) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Sandbox) post(f protocol.Frame) error {
	select {
	case <-s.done:
		return s.Err()
	default:
	}
	if err := s.worker.Post(f); err != nil {
		if stopped := s.Err(); stopped != nil {
			return stopped
		}
		return crashedError(s.plug.Name(), err)
	}
	return nil
}

// run is the mailbox. It owns reading from the worker.
func (s *Sandbox) run() {
	defer s.wg.Done()

	for f := range s.worker.Messages() {
		s.handle(f)
	}

	// The worker is gone. If we did not terminate it, it crashed.
	s.shutdown(crashedError(s.plug.Name(), s.worker.Err()))
}

func (s *Sandbox) handle(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeReady:
		s.readyOnce.Do(func() {
			if f.Error != "" {
				s.readyErr = loadError(s.plug.Name(), f.Error)
			}
			close(s.ready)
		})
	case protocol.TypeLog:
		s.appendLog(f.Message)
	case protocol.TypeResponse:
		s.resolve(f)
	case protocol.TypeSyscall:
		s.wg.Add(1)
		go s.serveSyscall(f)
	default:
		slog.Warn("unexpected frame from worker",
			"plug", s.plug.Name(),
			"type", string(f.Type))
	}
}

func (s *Sandbox) resolve(f protocol.Frame) {
	s.mu.Lock()
	call, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()

	if !ok {
		slog.Debug("dropping response for unknown call",
			"plug", s.plug.Name(),
			"call_id", f.ID)
		return
	}

	if f.Error != "" {
		call.ch <- reply{err: remoteError(s.plug.Name(), call.name, f.Error), name: call.name}
		return
	}
	call.ch <- reply{result: f.Result, name: call.name}
}

// serveSyscall answers one syscall frame. A failing or panicking handler
// becomes an error frame; it never takes the host down.
func (s *Sandbox) serveSyscall(f protocol.Frame) {
	defer s.wg.Done()

	ctx := s.ctx
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	result, err := s.dispatch(ctx, f)

	var resp protocol.Frame
	if err != nil {
		resp = protocol.Failure(f.ID, syscalls.WireMessage(err))
	} else {
		resp = protocol.Result(f.ID, result)
	}

	if postErr := s.worker.Post(resp); postErr != nil {
		// An unencodable result still owes the worker an answer.
		if err == nil && s.Err() == nil {
			if retryErr := s.worker.Post(protocol.Failure(f.ID, postErr.Error())); retryErr == nil {
				return
			}
		}
		slog.Debug("could not answer syscall",
			"plug", s.plug.Name(),
			"syscall", f.Name,
			"call_id", f.ID,
			"error", postErr)
	}
}

func (s *Sandbox) dispatch(ctx context.Context, f protocol.Frame) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("syscall dispatch panicked",
				"plug", s.plug.Name(),
				"syscall", f.Name,
				"panic", rec)
			result, err = nil, errors.New("internal error")
		}
	}()
	return s.dispatcher.Dispatch(ctx, syscalls.CallContext{Plug: s.plug}, f.Name, f.Args)
}

func (s *Sandbox) appendLog(msg string) {
	entry := LogEntry{Plug: s.plug.Name(), Message: msg, Date: time.Now()}

	s.mu.Lock()
	s.logs = append(s.logs, entry)
	if over := len(s.logs) - s.opts.LogBufferSize; over > 0 {
		s.logs = append(s.logs[:0:0], s.logs[over:]...)
	}
	s.mu.Unlock()

	slog.Debug("plug log", "plug", s.plug.Name(), "message", msg)
}

func (s *Sandbox) shutdown(reason error) {
	first := false
	s.doneOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		s.doneErr = reason
		pending := s.pending
		s.pending = make(map[uint64]pendingCall)
		s.mu.Unlock()

		s.cancel()
		s.worker.Terminate()

		for _, call := range pending {
			call.ch <- reply{err: reason, name: call.name}
		}

		s.readyOnce.Do(func() {
			s.readyErr = reason
			close(s.ready)
		})
		close(s.done)

		if errors.Is(reason, ErrCrashed) {
			slog.Warn("sandbox crashed", "plug", s.plug.Name(), "error", reason)
		} else {
			slog.Debug("sandbox terminated", "plug", s.plug.Name())
		}
	})

	if first && s.opts.OnExit != nil {
		s.opts.OnExit(reason)
	}
}
