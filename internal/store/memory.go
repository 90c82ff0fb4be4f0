// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Values are kept encoded so callers never
// share state with the store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, namespace, key string) (any, bool, error) {
	m.mu.RLock()
	raw, ok := m.data[namespace][key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, namespace, key string, value any) error {
	return m.BatchSet(ctx, namespace, []Entry{{Key: key, Value: value}})
}

// BatchSet implements Store.
func (m *Memory) BatchSet(_ context.Context, namespace string, entries []Entry) error {
	encoded := make(map[string][]byte, len(entries))
	for _, e := range entries {
		raw, err := encodeValue(e.Key, e.Value)
		if err != nil {
			return err
		}
		encoded[e.Key] = raw
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte, len(encoded))
		m.data[namespace] = ns
	}
	for k, raw := range encoded {
		ns[k] = raw
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(m.data, namespace)
		}
	}
	return nil
}

// QueryPrefix implements Store.
func (m *Memory) QueryPrefix(_ context.Context, namespace, prefix string) ([]Entry, error) {
	m.mu.RLock()
	var keys []string
	raws := make(map[string][]byte)
	for k, raw := range m.data[namespace] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			raws[k] = raw
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, err := decodeValue(raws[k])
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: k, Value: v})
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() {}
