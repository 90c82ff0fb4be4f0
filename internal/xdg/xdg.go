// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package xdg provides XDG Base Directory paths for plugos.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "plugos"

func base(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
}

// ConfigDir returns $XDG_CONFIG_HOME/plugos, falling back to ~/.config.
func ConfigDir() string {
	return filepath.Join(base("XDG_CONFIG_HOME", ".config"), appName)
}

// DataDir returns $XDG_DATA_HOME/plugos, falling back to ~/.local/share.
func DataDir() string {
	return filepath.Join(base("XDG_DATA_HOME", ".local", "share"), appName)
}

// StateDir returns $XDG_STATE_HOME/plugos, falling back to ~/.local/state.
func StateDir() string {
	return filepath.Join(base("XDG_STATE_HOME", ".local", "state"), appName)
}

// RuntimeDir returns $XDG_RUNTIME_DIR/plugos, or StateDir()/run when the
// variable is unset. Process workers put their sockets here.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(StateDir(), "run")
}

// ConfigFile is the default configuration file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// PlugsDir is the default directory plugs are discovered in.
func PlugsDir() string {
	return filepath.Join(DataDir(), "plugs")
}

// EnsureDir creates path and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.In("xdg").With("path", path).Wrapf(err, "failed to create directory")
	}
	return nil
}
