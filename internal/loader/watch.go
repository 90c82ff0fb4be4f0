// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package loader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/plugos/plugos/pkg/errutil"
)

// Watch reloads plug directories as they change on disk until ctx is
// done. Bursts of events are coalesced for the debounce interval; each
// affected directory is then reloaded once.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("loader").Hint("failed to create file watcher").Wrap(err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			slog.Warn("failed to close file watcher", "error", cerr)
		}
	}()

	if err := w.Add(l.root); err != nil {
		return oops.In("loader").With("root", l.root).Wrap(err)
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return oops.In("loader").With("root", l.root).Wrap(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			l.watchDir(w, filepath.Join(l.root, entry.Name()))
		}
	}
	slog.Info("watching plugs", "root", l.root, "debounce", l.debounce)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	dirty := make(map[string]struct{})

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			dir := l.plugDir(ev.Name)
			if dir == "" {
				continue
			}
			if ev.Name == dir && ev.Has(fsnotify.Create) {
				l.watchDir(w, dir)
			}
			dirty[dir] = struct{}{}
			timer.Reset(l.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)

		case <-timer.C:
			dirs := make([]string, 0, len(dirty))
			for dir := range dirty {
				dirs = append(dirs, dir)
			}
			clear(dirty)
			sort.Strings(dirs)
			for _, dir := range dirs {
				if err := l.Reload(ctx, dir); err != nil {
					errutil.LogError(slog.Default(), "plug reload failed", err)
				}
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loader) watchDir(w *fsnotify.Watcher, dir string) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}
	if err := w.Add(dir); err != nil {
		slog.Warn("failed to watch plug directory", "dir", dir, "error", err)
	}
}

// plugDir maps a changed path to the plug directory it belongs to, or ""
// for the root itself.
func (l *Loader) plugDir(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(l.root, first)
}
