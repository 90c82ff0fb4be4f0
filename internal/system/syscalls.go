// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package system

import (
	"context"
	"sort"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/syscalls"
)

// Builtin syscall names.
const (
	SyscallGetLogs        = "sandbox.getLogs"
	SyscallListPlugs      = "system.listPlugs"
	SyscallInvokeFunction = "system.invokeFunction"
)

func (s *System) builtinSyscalls() syscalls.Mapping {
	return syscalls.Mapping{
		SyscallGetLogs:        s.getLogs,
		SyscallListPlugs:      s.listPlugs,
		SyscallInvokeFunction: s.invokeFunction,
	}
}

// LogRecord is one sandbox log line as seen across all plugs.
type LogRecord struct {
	Plug    string `json:"plug"`
	Message string `json:"message"`
	// Date is milliseconds since the Unix epoch.
	Date int64 `json:"date"`
}

// Logs returns the retained log lines of every loaded plug, oldest first.
func (s *System) Logs() []LogRecord {
	var entries []sandbox.LogEntry
	for _, p := range s.LoadedPlugs() {
		entries = append(entries, p.Logs()...)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })

	out := make([]LogRecord, len(entries))
	for i, entry := range entries {
		out[i] = LogRecord{
			Plug:    entry.Plug,
			Message: entry.Message,
			Date:    entry.Date.UnixMilli(),
		}
	}
	return out
}

func (s *System) getLogs(_ context.Context, _ syscalls.CallContext, _ ...any) (any, error) {
	logs := s.Logs()
	out := make([]any, len(logs))
	for i, l := range logs {
		out[i] = map[string]any{
			"plug":    l.Plug,
			"message": l.Message,
			"date":    l.Date,
		}
	}
	return out, nil
}

// PlugInfo summarizes a loaded plug.
type PlugInfo struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	InstanceID string   `json:"instanceId"`
	State      string   `json:"state"`
	Functions  []string `json:"functions"`
}

// Describe returns a PlugInfo for p.
func Describe(p *plug.Plug) PlugInfo {
	return PlugInfo{
		Name:       p.Name(),
		Version:    p.Version(),
		InstanceID: p.InstanceID(),
		State:      p.State().String(),
		Functions:  p.Manifest().FunctionNames(),
	}
}

func (s *System) listPlugs(_ context.Context, _ syscalls.CallContext, _ ...any) (any, error) {
	plugs := s.LoadedPlugs()
	out := make([]any, len(plugs))
	for i, p := range plugs {
		info := Describe(p)
		functions := make([]any, len(info.Functions))
		for j, fn := range info.Functions {
			functions[j] = fn
		}
		out[i] = map[string]any{
			"name":       info.Name,
			"version":    info.Version,
			"instanceId": info.InstanceID,
			"state":      info.State,
			"functions":  functions,
		}
	}
	return out, nil
}

const invokeUsage = "system.invokeFunction(plug, function, ...args)"

func (s *System) invokeFunction(ctx context.Context, _ syscalls.CallContext, args ...any) (any, error) {
	plugName, err := syscalls.StringArg(SyscallInvokeFunction, invokeUsage, args, 0)
	if err != nil {
		return nil, err
	}
	fn, err := syscalls.StringArg(SyscallInvokeFunction, invokeUsage, args, 1)
	if err != nil {
		return nil, err
	}
	return s.Invoke(ctx, plugName, fn, args[2:]...)
}
