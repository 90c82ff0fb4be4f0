// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// NewMigrateCmd creates the migrate command group for the PostgreSQL store.
func NewMigrateCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the plug store schema",
	}
	cmd.AddCommand(
		migrateSubcommand(deps, "up", "Apply all pending migrations", func(cmd *cobra.Command, m Migrator) error {
			if err := m.Up(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "up").Wrap(err)
			}
			cmd.Println("Migrations completed successfully")
			return nil
		}),
		migrateSubcommand(deps, "down", "Roll back the most recent migration", func(cmd *cobra.Command, m Migrator) error {
			if err := m.Down(); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "down").Wrap(err)
			}
			cmd.Println("Rolled back one migration")
			return nil
		}),
		migrateSubcommand(deps, "status", "Show the schema version and pending migrations", func(cmd *cobra.Command, m Migrator) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			cmd.Printf("version: %d\n", v)
			cmd.Printf("dirty: %t\n", dirty)
			cmd.Printf("pending: %v\n", pending)
			return nil
		}),
	)
	return cmd
}

func migrateSubcommand(deps *Deps, use, short string, run func(*cobra.Command, Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return oops.Code("CONFIG_INVALID").Errorf("database_url is required")
			}
			m, err := deps.withDefaults().MigratorFactory(cfg.DatabaseURL)
			if err != nil {
				return oops.Code("DB_CONNECT_FAILED").With("operation", "open migrator").Wrap(err)
			}
			defer func() {
				if err := m.Close(); err != nil {
					cmd.PrintErrf("failed to close migrator: %v\n", err)
				}
			}()
			return run(cmd, m)
		},
	}
}
