// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package plug

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Error codes for plug failures.
const (
	CodeManifestInvalid  = "MANIFEST_INVALID"
	CodeFunctionNotFound = "FUNCTION_NOT_FOUND"
	CodePlugStopped      = "PLUG_STOPPED"
	CodeStartFailed      = "PLUG_START_FAILED"
)

// Sentinel errors for programmatic checking with errors.Is.
var (
	// ErrFunctionNotFound is returned for functions the manifest does not
	// declare. No message is sent to the sandbox.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrPlugStopped is returned by Invoke once the plug has stopped.
	ErrPlugStopped = errors.New("plug stopped")
)

// ManifestError reports every problem found while validating a manifest.
type ManifestError struct {
	Plug     string
	Messages []string
}

func (e *ManifestError) Error() string {
	name := e.Plug
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("invalid manifest for plug %s: %s", name, strings.Join(e.Messages, "; "))
}

// AsManifestError extracts a *ManifestError from err.
func AsManifestError(err error) (*ManifestError, bool) {
	var me *ManifestError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

func manifestError(plug string, messages []string) error {
	return oops.Code(CodeManifestInvalid).
		In("plug").
		With("plug", plug).
		With("problems", len(messages)).
		Wrap(&ManifestError{Plug: plug, Messages: messages})
}

// NewManifestError builds the error returned for a rejected manifest.
func NewManifestError(plug string, messages []string) error {
	return manifestError(plug, messages)
}

func functionNotFound(plug, fn string) error {
	return oops.Code(CodeFunctionNotFound).
		In("plug").
		With("plug", plug).
		With("function", fn).
		Wrapf(ErrFunctionNotFound, "%s.%s", plug, fn)
}

func plugStopped(plug string) error {
	return oops.Code(CodePlugStopped).In("plug").With("plug", plug).Wrapf(ErrPlugStopped, "%s", plug)
}
