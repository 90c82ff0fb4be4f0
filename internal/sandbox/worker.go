// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package sandbox

import (
	"context"

	"github.com/plugos/plugos/pkg/protocol"
)

// Worker is one isolated execution unit. The host reaches it only by
// posting frames and reading the frames it sends back; no memory is shared.
type Worker interface {
	// Post delivers a frame to the worker. Frames arrive in Post order.
	Post(frame protocol.Frame) error

	// Messages yields frames sent by the worker, in send order. The channel
	// is closed when the worker exits for any reason.
	Messages() <-chan protocol.Frame

	// Err reports why the worker exited. It is only meaningful after
	// Messages has been closed; nil means the worker was terminated.
	Err() error

	// Terminate discards the worker immediately. Idempotent.
	Terminate()
}

// Factory creates workers.
type Factory interface {
	NewWorker(ctx context.Context, plug string) (Worker, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, plug string) (Worker, error)

// NewWorker calls f.
func (f FactoryFunc) NewWorker(ctx context.Context, plug string) (Worker, error) {
	return f(ctx, plug)
}
