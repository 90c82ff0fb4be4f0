// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package procworker

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	"github.com/plugos/plugos/internal/sandbox/luaworker"
	"github.com/plugos/plugos/pkg/protocol"
)

// Server is the worker side of the frame channel. Each stream gets its own
// Lua runtime.
type Server struct {
	states *luaworker.StateFactory
}

// NewServer creates a server whose Lua states obey limits.
func NewServer(limits luaworker.Limits) *Server {
	return &Server{states: luaworker.NewStateFactory(limits)}
}

// Channel runs one plug until the host closes the stream.
func (s *Server) Channel(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	frames := make(chan protocol.Frame)
	recvErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var f protocol.Frame
			if err := stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				recvErr <- ctx.Err()
				return
			}
		}
	}()

	emit := func(f protocol.Frame) {
		if err := stream.SendMsg(&f); err != nil {
			if f.Type == protocol.TypeResponse {
				// Unencodable result; the host still needs an answer.
				failure := protocol.Failure(f.ID, err.Error())
				if retryErr := stream.SendMsg(&failure); retryErr == nil {
					return
				}
			}
			slog.Debug("worker could not send frame", "type", string(f.Type), "error", err)
		}
	}

	rt := luaworker.NewRuntime(ctx, s.states, emit)
	defer rt.Close()

	for f := range frames {
		rt.Handle(f)
	}

	err := <-recvErr
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve runs the worker process. It blocks until the host disconnects.
func Serve(limits luaworker.Limits) {
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         pluginSet(NewServer(limits)),
		GRPCServer:      hashiplug.DefaultGRPCServer,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "plugworker",
			Level:      hclog.Info,
			JSONFormat: true,
		}),
	})
}
