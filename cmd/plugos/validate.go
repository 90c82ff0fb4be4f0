// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugos/plugos/internal/loader"
	"github.com/plugos/plugos/internal/plug"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plug-dir>...",
		Short: "Check plug manifests without loading them",
		Long: `Check each plug directory against the manifest schema, the structural
rules and the rules of every hook. All problems are printed; the command
fails if any directory has one.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, dir := range args {
				problems := validateDir(dir)
				if len(problems) == 0 {
					cmd.Printf("%s: ok\n", dir)
					continue
				}
				failed++
				cmd.Printf("%s:\n", dir)
				for _, p := range problems {
					cmd.Printf("  - %s\n", p)
				}
			}
			if failed > 0 {
				return oops.Code(plug.CodeManifestInvalid).In("plugos").Errorf("%d of %d plugs are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateDir(dir string) []string {
	data, err := os.ReadFile(filepath.Join(dir, plug.ManifestFile)) //nolint:gosec // operator-supplied path
	if err != nil {
		return []string{err.Error()}
	}
	if err := plug.ValidateSchema(data); err != nil {
		if problems := plug.SchemaProblems(err); len(problems) > 0 {
			return problems
		}
		return []string{err.Error()}
	}

	m, err := loader.ReadPlug(dir)
	if err != nil {
		if me, ok := plug.AsManifestError(err); ok {
			return me.Messages
		}
		return []string{err.Error()}
	}

	problems := m.Problems()
	for _, v := range validators() {
		problems = append(problems, v.ValidateManifest(m)...)
	}
	return problems
}
