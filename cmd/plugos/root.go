// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/plugos/plugos/internal/config"
	"github.com/plugos/plugos/internal/logging"
)

// NewRootCmd creates the root command with every subcommand wired to the
// default dependencies.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugos",
		Short: "PlugOS - a sandboxed plug runtime",
		Long: `PlugOS loads plugs (small Lua programs described by a plug.yaml
manifest) into isolated sandboxes and lets them call back into the host
through capability-checked syscalls.`,
		SilenceUsage: true,
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(deps))
	cmd.AddCommand(NewInvokeCmd(deps))
	cmd.AddCommand(NewDispatchCmd(deps))
	cmd.AddCommand(NewListCmd(deps))
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewMigrateCmd(deps))

	return cmd
}

// loadConfig merges the config file selected by --config with the command's
// flags and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(config.FlagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	return logging.SetDefault(logging.Options{
		Service: "plugos",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
	})
}
