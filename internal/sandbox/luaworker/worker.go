// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package luaworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/pkg/protocol"
)

// Compile-time interface checks.
var (
	_ sandbox.Worker  = (*Worker)(nil)
	_ sandbox.Factory = (*Factory)(nil)
)

// ErrStopped is returned by Post after the worker has exited.
var ErrStopped = errors.New("lua worker stopped")

const queueSize = 64

// Worker runs a Runtime on its own goroutine. Frames crossing in either
// direction are re-encoded, so host and plug never share memory.
type Worker struct {
	plug   string
	inbox  chan protocol.Frame
	out    chan protocol.Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Start launches a worker for plug.
func Start(plug string, states *StateFactory) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		plug:   plug,
		inbox:  make(chan protocol.Frame, queueSize),
		out:    make(chan protocol.Frame, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go w.run(NewRuntime(ctx, states, w.emit))
	return w
}

// Post implements sandbox.Worker.
func (w *Worker) Post(f protocol.Frame) error {
	if w.ctx.Err() != nil {
		return ErrStopped
	}
	copied, err := protocol.Copy(f)
	if err != nil {
		return err
	}
	select {
	case w.inbox <- copied:
		return nil
	case <-w.ctx.Done():
		return ErrStopped
	}
}

// Messages implements sandbox.Worker.
func (w *Worker) Messages() <-chan protocol.Frame {
	return w.out
}

// Err implements sandbox.Worker.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Terminate implements sandbox.Worker. A running Lua function is aborted at
// its next instruction.
func (w *Worker) Terminate() {
	w.cancel()
}

func (w *Worker) run(rt *Runtime) {
	defer close(w.out)
	defer func() {
		if rec := recover(); rec != nil {
			w.mu.Lock()
			w.err = oops.In("luaworker").With("plug", w.plug).Errorf("lua runtime panicked: %v", rec)
			w.mu.Unlock()
			slog.Error("lua worker crashed", "plug", w.plug, "panic", rec)
		}
		w.cancel()
	}()
	defer rt.Close()

	for {
		select {
		case <-w.ctx.Done():
			return
		case f := <-w.inbox:
			rt.Handle(f)
		}
	}
}

func (w *Worker) emit(f protocol.Frame) {
	copied, err := protocol.Copy(f)
	if err != nil {
		if f.Type != protocol.TypeResponse {
			slog.Warn("lua worker dropping unencodable frame", "plug", w.plug, "type", string(f.Type), "error", err)
			return
		}
		copied = protocol.Failure(f.ID, fmt.Sprintf("result cannot be encoded: %v", err))
	}
	select {
	case w.out <- copied:
	case <-w.ctx.Done():
	}
}

// Factory creates in-process Lua workers.
type Factory struct {
	states *StateFactory
}

// NewFactory creates a factory whose states obey limits.
func NewFactory(limits Limits) *Factory {
	return &Factory{states: NewStateFactory(limits)}
}

// NewWorker implements sandbox.Factory.
func (f *Factory) NewWorker(ctx context.Context, plug string) (sandbox.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.In("luaworker").With("plug", plug).Wrap(err)
	}
	return Start(plug, f.states), nil
}
