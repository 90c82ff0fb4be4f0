// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package config loads host configuration from a YAML file and command-line
// flags. Flags that were set explicitly win over the file; the file wins over
// flag defaults.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/plugos/plugos/internal/xdg"
)

// Worker kinds.
const (
	WorkerLua     = "lua"
	WorkerProcess = "process"
)

// FlagConfig names the flag that selects the configuration file. It is
// never read as a configuration key.
const FlagConfig = "config"

// Config is the host configuration.
type Config struct {
	PlugsDir           string        `koanf:"plugs_dir"`
	LogFormat          string        `koanf:"log_format"`
	LogLevel           string        `koanf:"log_level"`
	MetricsAddr        string        `koanf:"metrics_addr"`
	Worker             string        `koanf:"worker"`
	WorkerPath         string        `koanf:"worker_path"`
	CallTimeout        time.Duration `koanf:"call_timeout"`
	TerminateOnTimeout bool          `koanf:"terminate_on_timeout"`
	Watch              bool          `koanf:"watch"`
	WatchDebounce      time.Duration `koanf:"watch_debounce"`
	DatabaseURL        string        `koanf:"database_url"`
	EventConcurrency   int           `koanf:"event_concurrency"`
}

// Default returns the configuration used when neither file nor flags set a
// key.
func Default() Config {
	return Config{
		PlugsDir:         xdg.PlugsDir(),
		LogFormat:        "json",
		LogLevel:         "info",
		MetricsAddr:      "127.0.0.1:9100",
		Worker:           WorkerLua,
		CallTimeout:      30 * time.Second,
		WatchDebounce:    250 * time.Millisecond,
		EventConcurrency: 8,
	}
}

// RegisterFlags defines a flag per configuration key on fs, with defaults
// from Default. Flag names use dashes where keys use underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(FlagConfig, "", "path to config file (default "+xdg.ConfigFile()+")")
	fs.String("plugs-dir", d.PlugsDir, "directory plugs are discovered in")
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "metrics and health listen address, empty to disable")
	fs.String("worker", d.Worker, "worker kind (lua or process)")
	fs.String("worker-path", d.WorkerPath, "plugworker binary for the process worker kind")
	fs.Duration("call-timeout", d.CallTimeout, "per-call timeout for invokes and syscalls, 0 for none")
	fs.Bool("terminate-on-timeout", d.TerminateOnTimeout, "stop a plug whose invoke timed out")
	fs.Bool("watch", d.Watch, "reload plugs when their files change")
	fs.Duration("watch-debounce", d.WatchDebounce, "quiet period before a changed plug is reloaded")
	fs.String("database-url", d.DatabaseURL, "PostgreSQL URL for the plug store, empty for in-memory")
	fs.Int("event-concurrency", d.EventConcurrency, "listeners run concurrently per dispatched event")
}

// Load reads path and merges flags over it. An empty path means the default
// config file, which may be absent; an explicit path must exist. flags may
// be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	read := true
	if path == "" {
		path = xdg.ConfigFile()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			read = false
		}
	}
	if read {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "failed to read config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if f.Name == FlagConfig {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "failed to read flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").With("path", path).Wrapf(err, "failed to decode config")
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.PlugsDir == "" {
		errs = append(errs, errors.New("plugs_dir is required"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, oops.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	switch c.Worker {
	case WorkerLua:
	case WorkerProcess:
		if c.WorkerPath != "" {
			if _, err := os.Stat(c.WorkerPath); err != nil {
				errs = append(errs, oops.Wrapf(err, "worker_path"))
			}
		}
	default:
		errs = append(errs, oops.Errorf("worker must be %s or %s, got %q", WorkerLua, WorkerProcess, c.Worker))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call_timeout must not be negative"))
	}
	if c.WatchDebounce < 0 {
		errs = append(errs, errors.New("watch_debounce must not be negative"))
	}
	if c.EventConcurrency < 1 {
		errs = append(errs, errors.New("event_concurrency must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return oops.In("config").Code("CONFIG_INVALID").Wrap(err)
	}
	return nil
}
