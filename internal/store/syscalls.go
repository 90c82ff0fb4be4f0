// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package store

import (
	"context"

	"github.com/plugos/plugos/internal/syscalls"
)

// Syscall names provided by Syscalls.
const (
	SyscallGet         = "store.get"
	SyscallSet         = "store.set"
	SyscallDelete      = "store.delete"
	SyscallQueryPrefix = "store.queryPrefix"
	SyscallBatchSet    = "store.batchSet"
)

// Syscalls exposes s to plugs. Every call is confined to the namespace of
// the calling plug.
func Syscalls(s Store) syscalls.Mapping {
	return syscalls.Mapping{
		SyscallGet: func(ctx context.Context, call syscalls.CallContext, args ...any) (any, error) {
			key, err := syscalls.StringArg(SyscallGet, "store.get(key)", args, 0)
			if err != nil {
				return nil, err
			}
			v, _, err := s.Get(ctx, call.Plug.Name(), key)
			return v, err
		},
		SyscallSet: func(ctx context.Context, call syscalls.CallContext, args ...any) (any, error) {
			key, err := syscalls.StringArg(SyscallSet, "store.set(key, value)", args, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.Set(ctx, call.Plug.Name(), key, syscalls.OptionalArg(args, 1))
		},
		SyscallDelete: func(ctx context.Context, call syscalls.CallContext, args ...any) (any, error) {
			key, err := syscalls.StringArg(SyscallDelete, "store.delete(key)", args, 0)
			if err != nil {
				return nil, err
			}
			return nil, s.Delete(ctx, call.Plug.Name(), key)
		},
		SyscallQueryPrefix: func(ctx context.Context, call syscalls.CallContext, args ...any) (any, error) {
			prefix, err := syscalls.StringArg(SyscallQueryPrefix, "store.queryPrefix(prefix)", args, 0)
			if err != nil {
				return nil, err
			}
			entries, err := s.QueryPrefix(ctx, call.Plug.Name(), prefix)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(entries))
			for i, e := range entries {
				out[i] = map[string]any{"key": e.Key, "value": e.Value}
			}
			return out, nil
		},
		SyscallBatchSet: func(ctx context.Context, call syscalls.CallContext, args ...any) (any, error) {
			entries, err := batchEntries(args)
			if err != nil {
				return nil, err
			}
			return nil, s.BatchSet(ctx, call.Plug.Name(), entries)
		},
	}
}

const batchUsage = "store.batchSet({{key = k, value = v}, ...})"

func batchEntries(args []any) ([]Entry, error) {
	list, ok := syscalls.OptionalArg(args, 0).([]any)
	if !ok {
		// An empty Lua table arrives as an empty object.
		if m, isMap := syscalls.OptionalArg(args, 0).(map[string]any); isMap && len(m) == 0 {
			return nil, nil
		}
		return nil, syscalls.ErrArgs(SyscallBatchSet, batchUsage)
	}

	entries := make([]Entry, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, syscalls.ErrArgs(SyscallBatchSet, batchUsage)
		}
		key, ok := m["key"].(string)
		if !ok {
			return nil, syscalls.ErrArgs(SyscallBatchSet, batchUsage)
		}
		entries = append(entries, Entry{Key: key, Value: m["value"]})
	}
	return entries, nil
}
