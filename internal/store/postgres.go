// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// poolIface is the subset of pgxpool.Pool the store uses, so tests can
// substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// Postgres stores entries in the plug_kv table.
type Postgres struct {
	pool poolIface
}

// PostgresOptions configures OpenPostgres.
type PostgresOptions struct {
	// Migrate applies pending schema migrations after connecting.
	Migrate bool
	// ConnectAttempts bounds the startup ping retries. Zero means 5.
	ConnectAttempts uint64
	// RetryBase is the first backoff delay. Zero means 200ms.
	RetryBase time.Duration
}

// OpenPostgres connects to databaseURL and waits for the server to answer.
func OpenPostgres(ctx context.Context, databaseURL string, opts PostgresOptions) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.Code(CodeUnavailable).In("store").Hint("invalid database URL").Wrap(err)
	}
	if err := ping(ctx, pool, opts); err != nil {
		pool.Close()
		return nil, err
	}

	if opts.Migrate {
		if err := migrateUp(databaseURL); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return NewPostgres(pool), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool poolIface) *Postgres {
	return &Postgres{pool: pool}
}

func ping(ctx context.Context, pool poolIface, opts PostgresOptions) error {
	attempts := opts.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}
	base := opts.RetryBase
	if base == 0 {
		base = 200 * time.Millisecond
	}

	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			slog.Debug("database not ready", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.Code(CodeUnavailable).In("store").With("attempts", attempts).Hint("database did not answer").Wrap(err)
	}
	return nil
}

func migrateUp(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			slog.Warn("failed to close migrator", "error", cerr)
		}
	}()
	return m.Up()
}

// wrapPG classifies database errors for callers.
func wrapPG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return oops.Code(CodeNotMigrated).In("store").With("operation", op).Hint("run migrations").Wrap(err)
	}
	return oops.In("store").With("operation", op).Wrap(err)
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, namespace, key string) (any, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM plug_kv WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapPG("get", err)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

const upsertSQL = `INSERT INTO plug_kv (namespace, key, value, updated_at)
	 VALUES ($1, $2, $3, now())
	 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

// Set implements Store.
func (p *Postgres) Set(ctx context.Context, namespace, key string, value any) error {
	raw, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, upsertSQL, namespace, key, string(raw)); err != nil {
		return wrapPG("set", err)
	}
	return nil
}

// BatchSet implements Store.
func (p *Postgres) BatchSet(ctx context.Context, namespace string, entries []Entry) error {
	encoded := make([]string, len(entries))
	for i, e := range entries {
		raw, err := encodeValue(e.Key, e.Value)
		if err != nil {
			return err
		}
		encoded[i] = string(raw)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPG("batch set", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	}()

	for i, e := range entries {
		if _, err := tx.Exec(ctx, upsertSQL, namespace, e.Key, encoded[i]); err != nil {
			return wrapPG("batch set", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPG("batch set commit", err)
	}
	return nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, namespace, key string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM plug_kv WHERE namespace = $1 AND key = $2`,
		namespace, key); err != nil {
		return wrapPG("delete", err)
	}
	return nil
}

// QueryPrefix implements Store.
func (p *Postgres) QueryPrefix(ctx context.Context, namespace, prefix string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM plug_kv
		 WHERE namespace = $1 AND starts_with(key, $2)
		 ORDER BY key`,
		namespace, prefix)
	if err != nil {
		return nil, wrapPG("query prefix", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, wrapPG("scan entry", err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("iterate entries", err)
	}
	return out, nil
}

// Close implements Store.
func (p *Postgres) Close() {
	p.pool.Close()
}
