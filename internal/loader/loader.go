// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package loader reads plug directories from disk and keeps a System in
// sync with them.
//
// A plug directory holds a plug.yaml manifest, the Lua file its entry
// names, and any declared assets:
//
//	plugs/
//	  tasks/
//	    plug.yaml
//	    tasks.lua
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/plugos/plugos/internal/plug"
	"github.com/plugos/plugos/internal/system"
)

// Bundle is a manifest read from disk with its code resolved.
type Bundle struct {
	Dir      string
	Manifest *plug.Manifest
}

// ReadPlug reads dir/plug.yaml, loads the entry file into the manifest
// source and checks that declared assets exist.
func ReadPlug(dir string) (*plug.Manifest, error) {
	path := filepath.Join(dir, plug.ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // plug directories are operator-supplied
	if err != nil {
		return nil, oops.In("loader").With("dir", dir).Wrapf(err, "reading manifest")
	}

	m, err := plug.ParseManifest(data)
	if err != nil {
		return nil, oops.In("loader").With("dir", dir).Wrap(err)
	}

	var problems []string
	if m.Entry != "" {
		source, msg := readLocal(dir, m.Entry)
		if msg != "" {
			problems = append(problems, "entry "+msg)
		} else {
			m.Source = string(source)
		}
	}
	for _, asset := range m.Assets {
		if !filepath.IsLocal(asset) {
			problems = append(problems, fmt.Sprintf("asset %s is outside the plug directory", asset))
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, asset)); err != nil {
			problems = append(problems, fmt.Sprintf("asset %s: %v", asset, errors.Unwrap(err)))
		}
	}
	if len(problems) > 0 {
		return nil, oops.In("loader").With("dir", dir).Wrap(plug.NewManifestError(m.Name, problems))
	}
	return m, nil
}

// readLocal reads a file named relative to dir. It returns a problem
// message instead of an error.
func readLocal(dir, name string) ([]byte, string) {
	if !filepath.IsLocal(name) {
		return nil, name + " is outside the plug directory"
	}
	data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // checked by IsLocal
	if err != nil {
		return nil, fmt.Sprintf("%s: %v", name, errors.Unwrap(err))
	}
	return data, ""
}

// Discover reads every immediate subdirectory of root that contains a
// manifest. Directories that fail to read are reported in the joined
// error; the others are still returned, sorted by directory.
func Discover(root string) ([]Bundle, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, oops.In("loader").With("root", root).Wrap(err)
	}

	var bundles []Bundle
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, plug.ManifestFile)); err != nil {
			continue
		}
		m, err := ReadPlug(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bundles = append(bundles, Bundle{Dir: dir, Manifest: m})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Dir < bundles[j].Dir })
	return bundles, errors.Join(errs...)
}

// Option configures a Loader.
type Option func(*Loader)

// WithDebounce sets how long Watch waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		l.debounce = d
	}
}

// Loader loads the plugs under one root directory into a System.
type Loader struct {
	root     string
	sys      *system.System
	debounce time.Duration

	mu     sync.Mutex
	loaded map[string]string // dir -> plug name
}

// New creates a Loader for root.
func New(root string, sys *system.System, opts ...Option) *Loader {
	l := &Loader{
		root:     root,
		sys:      sys,
		debounce: 250 * time.Millisecond,
		loaded:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadAll loads every plug under the root, dependencies first. A plug that
// fails does not stop the rest; all failures are returned joined.
func (l *Loader) LoadAll(ctx context.Context) error {
	bundles, discoverErr := Discover(l.root)
	if bundles == nil && discoverErr != nil {
		return discoverErr
	}

	dirs := make(map[string]string, len(bundles))
	manifests := make([]*plug.Manifest, 0, len(bundles))
	for _, b := range bundles {
		if other, dup := dirs[b.Manifest.Name]; dup {
			discoverErr = errors.Join(discoverErr, oops.In("loader").
				With("plug", b.Manifest.Name).
				Errorf("plug %s is defined in both %s and %s", b.Manifest.Name, other, b.Dir))
			continue
		}
		dirs[b.Manifest.Name] = b.Dir
		manifests = append(manifests, b.Manifest)
	}

	errs := []error{discoverErr}
	for _, m := range system.LoadOrder(manifests) {
		if _, err := l.sys.Load(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		l.mu.Lock()
		l.loaded[dirs[m.Name]] = m.Name
		l.mu.Unlock()
	}

	err := errors.Join(errs...)
	slog.Info("plugs loaded", "root", l.root, "loaded", len(l.sys.LoadedPlugs()), "failed", err != nil)
	return err
}

// Reload brings one plug directory in line with the System: a changed
// manifest or entry is loaded again, a removed manifest is unloaded.
func (l *Loader) Reload(ctx context.Context, dir string) error {
	l.mu.Lock()
	prev := l.loaded[dir]
	l.mu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, plug.ManifestFile)); errors.Is(err, fs.ErrNotExist) {
		if prev == "" {
			return nil
		}
		l.forget(dir)
		slog.Info("plug removed from disk", "plug", prev, "dir", dir)
		return l.sys.Unload(ctx, prev)
	}

	m, err := ReadPlug(dir)
	if err != nil {
		return err
	}
	if prev != "" && prev != m.Name {
		l.forget(dir)
		if err := l.sys.Unload(ctx, prev); err != nil && !system.IsPlugNotFound(err) {
			return err
		}
	}

	if _, err := l.sys.Load(ctx, m); err != nil {
		return err
	}
	l.mu.Lock()
	l.loaded[dir] = m.Name
	l.mu.Unlock()
	return nil
}

func (l *Loader) forget(dir string) {
	l.mu.Lock()
	delete(l.loaded, dir)
	l.mu.Unlock()
}
