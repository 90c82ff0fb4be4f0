// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package slashcommand indexes plug functions that declare a slash command.
//
// A function opts in with manifest metadata:
//
//	functions:
//	  insertDate:
//	    slashCommand:
//	      name: date
//	      description: Insert today's date
package slashcommand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/system"
)

// MetadataKey is the function metadata key this hook reads.
const MetadataKey = "slashCommand"

// CodeCommandNotFound is the oops code for unknown commands.
const CodeCommandNotFound = "COMMAND_NOT_FOUND"

// ErrCommandNotFound is returned by Run for names no plug provides.
var ErrCommandNotFound = errors.New("slash command not found")

// Definition is the metadata a function declares.
type Definition struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description,omitempty"`
}

// Command is one indexed slash command.
type Command struct {
	Definition
	Plug     string `json:"plug"`
	Function string `json:"function"`
}

// Hook maintains the trigger name to command index.
type Hook struct {
	sys *system.System

	mu       sync.RWMutex
	commands map[string]Command
}

// Compile-time interface check.
var _ system.Hook = (*Hook)(nil)

// New creates an empty hook. Add it to a System with AddHook.
func New() *Hook {
	return &Hook{commands: make(map[string]Command)}
}

// Apply subscribes to lifecycle events and indexes already loaded plugs.
func (h *Hook) Apply(s *system.System) {
	h.sys = s
	rebuild := func(context.Context, *plug.Plug) { h.rebuild() }
	s.OnPlugLoaded(rebuild)
	s.OnPlugUnloaded(rebuild)
	h.rebuild()
}

// ValidateManifest reports slash commands without a usable name.
func (h *Hook) ValidateManifest(m *plug.Manifest) []string {
	var problems []string
	for _, fn := range m.FunctionNames() {
		def, _ := m.Function(fn)
		var cmd Definition
		found, err := def.Decode(MetadataKey, &cmd)
		if !found {
			continue
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("Function %s has an invalid slash command: %v", fn, err))
			continue
		}
		if cmd.Name == "" {
			problems = append(problems, fmt.Sprintf("Function %s has a slash command but no name", fn))
		}
	}
	return problems
}

func (h *Hook) rebuild() {
	commands := make(map[string]Command)
	for _, p := range h.sys.LoadedPlugs() {
		m := p.Manifest()
		for _, fn := range m.FunctionNames() {
			def, _ := m.Function(fn)
			var d Definition
			if found, err := def.Decode(MetadataKey, &d); !found || err != nil || d.Name == "" {
				continue
			}
			if existing, dup := commands[d.Name]; dup {
				slog.Warn("slash command defined twice, keeping the first",
					"command", d.Name,
					"kept", existing.Plug+"."+existing.Function,
					"ignored", p.Name()+"."+fn)
				continue
			}
			commands[d.Name] = Command{Definition: d, Plug: p.Name(), Function: fn}
		}
	}

	h.mu.Lock()
	h.commands = commands
	h.mu.Unlock()
}

// Commands returns the indexed commands sorted by name.
func (h *Hook) Commands() []Command {
	h.mu.RLock()
	out := make([]Command, 0, len(h.commands))
	for _, c := range h.commands {
		out = append(out, c)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run invokes the function behind the named command. The function receives
// the command definition as its only argument.
func (h *Hook) Run(ctx context.Context, name string) (any, error) {
	h.mu.RLock()
	cmd, ok := h.commands[name]
	h.mu.RUnlock()
	if !ok {
		return nil, oops.Code(CodeCommandNotFound).In("slashcommand").With("command", name).Wrapf(ErrCommandNotFound, "%s", name)
	}

	return h.sys.Invoke(ctx, cmd.Plug, cmd.Function, map[string]any{
		"name":        cmd.Name,
		"description": cmd.Description,
	})
}
