// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugos/plugos/internal/config"
	"github.com/plugos/plugos/pkg/errutil"
	"github.com/plugos/plugos/pkg/protocol"
)

var pretty = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

// NewInvokeCmd creates the invoke subcommand.
func NewInvokeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <plug>.<function> [args...]",
		Short: "Load the plugs, call one function and print its result",
		Long: `Load every plug under the plugs directory, call a single function
and print the result as JSON. Each argument is parsed as JSON; anything
that is not valid JSON is passed as a string.`,
		Example: `  plugos invoke hello.greet '"world"'
  plugos invoke math.add 2 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plugName, fn, ok := strings.Cut(args[0], ".")
			if !ok || plugName == "" || fn == "" {
				return oops.In("plugos").With("target", args[0]).Errorf("expected <plug>.<function>, got %q", args[0])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLoadedHost(cmd, cfg, deps, func(ctx context.Context, h *host) error {
				result, err := h.sys.Invoke(ctx, plugName, fn, parseArgs(args[1:])...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

// NewDispatchCmd creates the dispatch subcommand.
func NewDispatchCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <event> [data]",
		Short: "Deliver an event to every listening plug and print the results",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if len(args) == 2 {
				data = parseArg(args[1])
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLoadedHost(cmd, cfg, deps, func(ctx context.Context, h *host) error {
				results, err := h.events.Dispatch(ctx, args[0], data)
				if printErr := printJSON(cmd.OutOrStdout(), results); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

// NewListCmd creates the list subcommand.
func NewListCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Load the plugs and print what they provide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLoadedHost(cmd, cfg, deps, func(_ context.Context, h *host) error {
				return printJSON(cmd.OutOrStdout(), h.status())
			})
		},
	}
}

// withLoadedHost builds a host, loads every plug, runs fn and tears the host
// down. Plugs that fail to load are logged and skipped.
func withLoadedHost(cmd *cobra.Command, cfg *config.Config, deps *Deps, fn func(ctx context.Context, h *host) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deps = deps.withDefaults()

	if err := setupLogging(cfg); err != nil {
		return err
	}

	h, err := newHost(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.close(closeCtx)
	}()

	if err := h.loader.LoadAll(ctx); err != nil {
		errutil.LogError(slog.Default(), "some plugs failed to load", err)
	}
	return fn(ctx, h)
}

func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		args[i] = parseArg(s)
	}
	return args
}

func parseArg(s string) any {
	var v any
	if err := protocol.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	data, err := pretty.MarshalIndent(v, "", "  ")
	if err != nil {
		return oops.In("plugos").Wrap(err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
