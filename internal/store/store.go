// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package store provides the namespaced key-value storage behind the
// store.* syscalls. Each plug writes to its own namespace; values are any
// JSON-encodable data.
package store

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/plugos/plugos/pkg/protocol"
)

// Error codes for store failures.
const (
	CodeInvalidValue = "STORE_INVALID_VALUE"
	CodeNotMigrated  = "STORE_NOT_MIGRATED"
	CodeUnavailable  = "STORE_UNAVAILABLE"
)

// ErrInvalidValue is returned for values that cannot be encoded as JSON.
var ErrInvalidValue = errors.New("value is not JSON-encodable")

// Entry is one key and its value.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Store is a namespaced key-value store.
type Store interface {
	// Get returns the value under key and whether it exists.
	Get(ctx context.Context, namespace, key string) (any, bool, error)
	Set(ctx context.Context, namespace, key string, value any) error
	// BatchSet writes every entry or none.
	BatchSet(ctx context.Context, namespace string, entries []Entry) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// QueryPrefix returns the entries whose key starts with prefix, sorted
	// by key.
	QueryPrefix(ctx context.Context, namespace, prefix string) ([]Entry, error)
	Close()
}

func encodeValue(key string, value any) ([]byte, error) {
	raw, err := protocol.Marshal(value)
	if err != nil {
		return nil, oops.Code(CodeInvalidValue).In("store").With("key", key).Wrapf(ErrInvalidValue, "%v", err)
	}
	return raw, nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := protocol.Unmarshal(raw, &v); err != nil {
		return nil, oops.In("store").Wrap(err)
	}
	return v, nil
}
