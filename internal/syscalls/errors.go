// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package syscalls

import (
	"errors"
	"strings"

	"github.com/samber/oops"
)

// Error codes for syscall failures.
const (
	CodeUnknownSyscall   = "UNKNOWN_SYSCALL"
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeHandlerFailed    = "HANDLER_FAILED"
	CodeDuplicateSyscall = "DUPLICATE_SYSCALL"
	CodeInvalidArgs      = "INVALID_ARGS"
)

// Sentinel errors for programmatic checking with errors.Is.
var (
	// ErrUnknownSyscall is returned for names absent from the table. Its text
	// is what the sandbox receives in the error frame.
	ErrUnknownSyscall = errors.New("Unknown syscall") //nolint:revive,stylecheck // wire text
	// ErrCapabilityDenied is returned when the plug lacks a matching grant.
	ErrCapabilityDenied = errors.New("capability denied")
	// ErrDuplicateSyscall is returned by Register on a name collision.
	ErrDuplicateSyscall = errors.New("duplicate syscall")
	// ErrInvalidArgs is returned by handlers given arguments of the wrong shape.
	ErrInvalidArgs = errors.New("invalid syscall arguments")
)

// ErrUnknown creates an error for an unregistered syscall.
func ErrUnknown(name string) error {
	return oops.Code(CodeUnknownSyscall).
		In("syscalls").
		With("syscall", name).
		Wrap(ErrUnknownSyscall)
}

// ErrDenied creates an error for a syscall the plug has no grant for.
func ErrDenied(plug, name string) error {
	return oops.Code(CodeCapabilityDenied).
		In("syscalls").
		With("plug", plug).
		With("syscall", name).
		Wrapf(ErrCapabilityDenied, "%s may not call %s", plug, name)
}

// ErrDuplicate creates an error listing colliding syscall names.
func ErrDuplicate(names []string) error {
	return oops.Code(CodeDuplicateSyscall).
		In("syscalls").
		With("syscalls", names).
		Wrapf(ErrDuplicateSyscall, "%s", strings.Join(names, ", "))
}

// ErrHandler wraps a failure raised by a handler.
func ErrHandler(plug, name string, cause error) error {
	return oops.Code(CodeHandlerFailed).
		In("syscalls").
		With("plug", plug).
		With("syscall", name).
		Wrap(cause)
}

// ErrArgs creates an error for malformed syscall arguments.
func ErrArgs(name, usage string) error {
	return oops.Code(CodeInvalidArgs).
		In("syscalls").
		With("syscall", name).
		With("usage", usage).
		Wrapf(ErrInvalidArgs, "usage: %s", usage)
}

// WireMessage renders an error for an error frame. Unknown syscalls are
// reported with the fixed text the protocol defines.
func WireMessage(err error) string {
	if errors.Is(err, ErrUnknownSyscall) {
		return ErrUnknownSyscall.Error()
	}
	return err.Error()
}
