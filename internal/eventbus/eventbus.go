// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package eventbus is a string-keyed, synchronous publish/subscribe bus.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/plugos/plugos/pkg/errutil"
)

// Handler receives the arguments passed to Emit.
type Handler func(ctx context.Context, args ...any) error

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus distributes events to subscribers. Handlers for one event run in
// registration order on the emitting goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]subscriber),
	}
}

// Subscription removes its handler when cancelled.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the handler. Idempotent.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.event, s.id)
	})
}

// On registers handler for event.
func (b *Bus) On(event string, handler Handler) *Subscription {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[event] = append(b.subs[event], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return &Subscription{bus: b, event: event, id: id}
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[event]
	for i, sub := range subs {
		if sub.id == id {
			// Copy so an Emit iterating the old slice is unaffected.
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, event)
			} else {
				b.subs[event] = next
			}
			return
		}
	}
}

// Emit calls every handler for event in registration order. A failing or
// panicking handler is logged and does not stop the others. Emit returns
// the number of handlers that failed.
func (b *Bus) Emit(ctx context.Context, event string, args ...any) int {
	b.mu.RLock()
	subs := b.subs[event]
	b.mu.RUnlock()

	failed := 0
	for _, sub := range subs {
		if err := call(ctx, sub.handler, args); err != nil {
			failed++
			errutil.LogError(slog.Default(), "event handler failed",
				oops.In("eventbus").With("event", event).With("subscriber", sub.id).Wrap(err))
		}
	}
	return failed
}

// Subscribers returns the number of handlers registered for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

func call(ctx context.Context, h Handler, args []any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.In("eventbus").Errorf("event handler panicked: %v", rec)
		}
	}()
	return h(ctx, args...)
}
