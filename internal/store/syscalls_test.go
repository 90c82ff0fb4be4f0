// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/sandbox/luaworker"
	"github.com/plugos/plugos/internal/store"
	"github.com/plugos/plugos/internal/syscalls"
	"github.com/plugos/plugos/internal/system"
)

type fakePlug struct{ name string }

func (p fakePlug) Name() string       { return p.name }
func (p fakePlug) Version() string    { return "1.0.0" }
func (p fakePlug) InstanceID() string { return "01TEST" }

func call(t *testing.T, m syscalls.Mapping, plugName, name string, args ...any) (any, error) {
	t.Helper()
	h, ok := m[name]
	require.True(t, ok, "syscall %s not provided", name)
	return h(context.Background(), syscalls.CallContext{Plug: fakePlug{plugName}}, args...)
}

func TestSyscalls_NamespacedByPlug(t *testing.T) {
	s := store.NewMemory()
	m := store.Syscalls(s)

	_, err := call(t, m, "a", store.SyscallSet, "k", "from a")
	require.NoError(t, err)

	v, err := call(t, m, "a", store.SyscallGet, "k")
	require.NoError(t, err)
	assert.Equal(t, "from a", v)

	v, err = call(t, m, "b", store.SyscallGet, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSyscalls_BatchSetAndQueryPrefix(t *testing.T) {
	m := store.Syscalls(store.NewMemory())

	_, err := call(t, m, "a", store.SyscallBatchSet, []any{
		map[string]any{"key": "t:1", "value": 1.0},
		map[string]any{"key": "t:2", "value": 2.0},
	})
	require.NoError(t, err)

	result, err := call(t, m, "a", store.SyscallQueryPrefix, "t:")
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"key": "t:1", "value": 1.0},
		map[string]any{"key": "t:2", "value": 2.0},
	}, result)

	_, err = call(t, m, "a", store.SyscallDelete, "t:1")
	require.NoError(t, err)
	result, err = call(t, m, "a", store.SyscallQueryPrefix, "t:")
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestSyscalls_InvalidArgs(t *testing.T) {
	m := store.Syscalls(store.NewMemory())

	tests := []struct {
		name string
		args []any
	}{
		{name: store.SyscallGet},
		{name: store.SyscallSet, args: []any{42.0}},
		{name: store.SyscallDelete},
		{name: store.SyscallQueryPrefix, args: []any{true}},
		{name: store.SyscallBatchSet, args: []any{"nope"}},
		{name: store.SyscallBatchSet, args: []any{[]any{map[string]any{"value": 1.0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, m, "a", tt.name, tt.args...)
			require.ErrorIs(t, err, syscalls.ErrInvalidArgs)
		})
	}
}

func TestSyscalls_EmptyBatchFromLua(t *testing.T) {
	m := store.Syscalls(store.NewMemory())
	_, err := call(t, m, "a", store.SyscallBatchSet, map[string]any{})
	require.NoError(t, err)
}

func TestSyscalls_FromPlugCode(t *testing.T) {
	s := system.New(luaworker.NewFactory(luaworker.Limits{}))
	defer func() { _ = s.Close(context.Background()) }()
	require.NoError(t, s.RegisterSyscalls(store.Syscalls(store.NewMemory())))
	ctx := context.Background()

	_, err := s.Load(ctx, &plug.Manifest{
		Name:         "counter",
		Version:      "1.0.0",
		Capabilities: []string{"store.*"},
		Source: `
function bump()
  local n = plugos.syscall("store.get", "n") or 0
  plugos.syscall("store.set", "n", n + 1)
  return n + 1
end`,
		Functions: map[string]plug.FunctionDef{"bump": {}},
	})
	require.NoError(t, err)

	for want := 1.0; want <= 3; want++ {
		got, err := s.Invoke(ctx, "counter", "bump")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
