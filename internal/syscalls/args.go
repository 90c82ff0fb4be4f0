// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package syscalls

// StringArg returns args[i] as a string, or an invalid-args error carrying
// usage.
func StringArg(name, usage string, args []any, i int) (string, error) {
	if i >= len(args) {
		return "", ErrArgs(name, usage)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", ErrArgs(name, usage)
	}
	return s, nil
}

// OptionalArg returns args[i] or nil when absent.
func OptionalArg(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}
