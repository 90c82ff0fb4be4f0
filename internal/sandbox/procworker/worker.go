// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package procworker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"google.golang.org/grpc"

	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/pkg/protocol"
)

// Compile-time interface checks.
var (
	_ sandbox.Worker  = (*Worker)(nil)
	_ sandbox.Factory = (*Factory)(nil)
)

// Process is the part of a go-plugin client a worker controls.
type Process interface {
	Kill()
}

// Worker is the host side of a worker process.
type Worker struct {
	plug   string
	proc   Process
	stream grpc.ClientStream
	cancel context.CancelFunc
	out    chan protocol.Frame

	sendMu sync.Mutex

	mu         sync.Mutex
	err        error
	terminated bool
	stopOnce   sync.Once
}

// open starts the frame stream on conn and the receive loop.
func open(plug string, conn grpc.ClientConnInterface, proc Process) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := openChannel(ctx, conn)
	if err != nil {
		cancel()
		return nil, oops.In("procworker").With("plug", plug).Hint("failed to open frame channel").Wrap(err)
	}

	w := &Worker{
		plug:   plug,
		proc:   proc,
		stream: stream,
		cancel: cancel,
		out:    make(chan protocol.Frame, 64),
	}
	go w.recv()
	return w, nil
}

// Post implements sandbox.Worker.
func (w *Worker) Post(f protocol.Frame) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.stream.SendMsg(&f); err != nil {
		return oops.In("procworker").With("plug", w.plug).With("type", string(f.Type)).Wrap(err)
	}
	return nil
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

// Terminate implements sandbox.Worker. It kills the worker process.
func (w *Worker) Terminate() {
	w.mu.Lock()
	w.terminated = true
	w.mu.Unlock()
	w.stop()
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		if w.proc != nil {
			w.proc.Kill()
		}
	})
}

func (w *Worker) recv() {
	defer close(w.out)
	for {
		var f protocol.Frame
		if err := w.stream.RecvMsg(&f); err != nil {
			w.mu.Lock()
			if !w.terminated {
				if errors.Is(err, io.EOF) {
					w.err = oops.In("procworker").With("plug", w.plug).New("worker process closed the channel")
				} else {
					w.err = oops.In("procworker").With("plug", w.plug).Wrap(err)
				}
			}
			w.mu.Unlock()
			w.stop()
			return
		}
		w.out <- f
	}
}

// Factory launches worker processes from one executable.
type Factory struct {
	path   string
	logger hclog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger routes go-plugin and worker stderr output to logger.
func WithLogger(logger hclog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates a factory for the worker binary at path.
func NewFactory(path string, opts ...FactoryOption) *Factory {
	f := &Factory{
		path: path,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugworker",
			Level:  hclog.Warn,
			Output: os.Stderr,
		}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewWorker implements sandbox.Factory.
func (f *Factory) NewWorker(ctx context.Context, plug string) (sandbox.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.In("procworker").With("plug", plug).Wrap(err)
	}
	if _, err := os.Stat(f.path); err != nil {
		return nil, oops.In("procworker").With("plug", plug).With("path", f.path).Hint("worker executable not found").Wrap(err)
	}

	client := hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          pluginSet(nil),
		Cmd:              exec.Command(f.path), // #nosec G204 -- path comes from operator configuration
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           f.logger.Named(plug),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, oops.In("procworker").With("plug", plug).Hint("failed to start worker process").Wrap(err)
	}

	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, oops.In("procworker").With("plug", plug).Hint("failed to dispense worker").Wrap(err)
	}

	conn, ok := raw.(*grpc.ClientConn)
	if !ok {
		client.Kill()
		return nil, oops.In("procworker").With("plug", plug).Errorf("worker dispensed %T, want *grpc.ClientConn", raw)
	}

	w, err := open(plug, conn, client)
	if err != nil {
		client.Kill()
		return nil, err
	}
	slog.Debug("worker process started", "plug", plug, "path", f.path)
	return w, nil
}
