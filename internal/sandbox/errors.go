// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package sandbox

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Error codes for sandbox failures.
const (
	CodeSandboxTerminated = "SANDBOX_TERMINATED"
	CodeSandboxCrashed    = "SANDBOX_CRASHED"
	CodeCallTimeout       = "CALL_TIMEOUT"
	CodeLoadFailed        = "LOAD_FAILED"
	CodeRemoteError       = "REMOTE_ERROR"
)

// Sentinel errors. Every sandbox failure wraps exactly one of these.
var (
	// ErrTerminated is returned for calls outstanding or issued after the
	// sandbox was terminated.
	ErrTerminated = errors.New("sandbox terminated")
	// ErrCrashed is returned when the worker exited on its own.
	ErrCrashed = errors.New("sandbox crashed")
	// ErrCallTimeout is returned when a call outlives Options.CallTimeout.
	ErrCallTimeout = errors.New("sandbox call timed out")
	// ErrLoadFailed is returned when the worker rejected the plug code.
	ErrLoadFailed = errors.New("plug code failed to load")
)

// RemoteError is a failure reported by the sandboxed code itself, carried
// back in an error response frame.
type RemoteError struct {
	Plug     string
	Function string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Plug, e.Function, e.Message)
}

// IsSandboxError reports whether err is a termination or crash of the
// sandbox, as opposed to a failure of the called code.
func IsSandboxError(err error) bool {
	return errors.Is(err, ErrTerminated) || errors.Is(err, ErrCrashed)
}

func terminatedError(plug string) error {
	return oops.Code(CodeSandboxTerminated).In("sandbox").With("plug", plug).Wrap(ErrTerminated)
}

func crashedError(plug string, cause error) error {
	b := oops.Code(CodeSandboxCrashed).In("sandbox").With("plug", plug)
	if cause != nil {
		return b.Wrapf(ErrCrashed, "%v", cause)
	}
	return b.Wrapf(ErrCrashed, "worker exited")
}

func timeoutError(plug, function string, callID uint64) error {
	return oops.Code(CodeCallTimeout).
		In("sandbox").
		With("plug", plug).
		With("function", function).
		With("call_id", callID).
		Wrap(ErrCallTimeout)
}

func loadError(plug, msg string) error {
	return oops.Code(CodeLoadFailed).In("sandbox").With("plug", plug).Wrapf(ErrLoadFailed, "%s", msg)
}

func remoteError(plug, function, msg string) error {
	return oops.Code(CodeRemoteError).
		In("sandbox").
		With("plug", plug).
		With("function", function).
		Wrap(&RemoteError{Plug: plug, Function: function, Message: msg})
}
