// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/config"
	"github.com/plugos/plugos/internal/observability"
	"github.com/plugos/plugos/internal/sandbox"
	"github.com/plugos/plugos/internal/sandbox/luaworker"
	"github.com/plugos/plugos/internal/sandbox/procworker"
	"github.com/plugos/plugos/internal/store"
)

// Deps contains injectable dependencies for the commands. Nil fields use
// their default implementations.
type Deps struct {
	// WorkerFactory picks the sandbox worker implementation.
	// Default: luaworker in-process, or procworker for worker=process.
	WorkerFactory func(cfg *config.Config) (sandbox.Factory, error)

	// StoreFactory opens the plug store.
	// Default: store.OpenPostgres when database_url is set, else store.NewMemory.
	StoreFactory func(ctx context.Context, cfg *config.Config) (store.Store, error)

	// MigratorFactory opens a schema migrator for migrate.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, registrations ...observability.Registration) ObservabilityServer
}

// ObservabilityServer wraps the methods serve uses from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	SetStatus(fn observability.StatusFunc)
}

// Migrator wraps the methods migrate uses from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Pending() ([]uint, error)
	Close() error
}

var defaultLuaLimits = luaworker.Limits{
	CallStackSize:   256,
	RegistryMaxSize: 1 << 20,
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.WorkerFactory == nil {
		out.WorkerFactory = defaultWorkerFactory
	}
	if out.StoreFactory == nil {
		out.StoreFactory = defaultStoreFactory
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, registrations ...observability.Registration) ObservabilityServer {
			return observability.NewServer(addr, ready, registrations...)
		}
	}
	return &out
}

func defaultWorkerFactory(cfg *config.Config) (sandbox.Factory, error) {
	if cfg.Worker != config.WorkerProcess {
		return luaworker.NewFactory(defaultLuaLimits), nil
	}
	path := cfg.WorkerPath
	if path == "" {
		var err error
		if path, err = findPlugworker(); err != nil {
			return nil, err
		}
	}
	return procworker.NewFactory(path), nil
}

// findPlugworker looks next to the running binary first, then on PATH.
func findPlugworker() (string, error) {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "plugworker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("plugworker")
	if err != nil {
		return "", oops.Code("CONFIG_INVALID").Hint("set worker_path or put plugworker on PATH").Wrap(err)
	}
	return path, nil
}

func defaultStoreFactory(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.PostgresOptions{Migrate: true})
	if err != nil {
		return nil, err
	}
	return pg, nil
}
