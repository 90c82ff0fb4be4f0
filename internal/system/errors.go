// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package system

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes for system failures.
const (
	CodePlugNotFound = "PLUG_NOT_FOUND"
	CodeClosed       = "SYSTEM_CLOSED"
)

// Sentinel errors for programmatic checking with errors.Is.
var (
	// ErrPlugNotFound is returned when no plug is loaded under a name.
	ErrPlugNotFound = errors.New("plug not found")
	// ErrClosed is returned by Load after Close.
	ErrClosed = errors.New("system closed")
)

// IsPlugNotFound reports whether err is a missing-plug failure.
func IsPlugNotFound(err error) bool {
	return errors.Is(err, ErrPlugNotFound)
}

func errPlugNotFound(name string) error {
	return oops.Code(CodePlugNotFound).In("system").With("plug", name).Wrapf(ErrPlugNotFound, "%s", name)
}

func errClosed() error {
	return oops.Code(CodeClosed).In("system").Wrap(ErrClosed)
}
