package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskerman/internal/core"
)

const watchDebounce = 250 * time.Millisecond

// WatchDefinitions reloads the definitions file at path whenever it changes and
// passes every valid version to onChange. Invalid versions are logged and
// skipped. It blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors which
// replace the file on save are still noticed.
func WatchDefinitions(ctx context.Context, path string, logger *slog.Logger, onChange func(core.Definitions)) error {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("watching definitions", "path", path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		defs, err := LoadDefinitions(path)
		if err != nil {
			logger.Warn("definitions reload failed", "path", path, "err", err)
			return
		}
		logger.Debug("definitions reloaded", "path", path, "tasks", len(defs.Tasks), "routines", len(defs.Routines))
		onChange(defs)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("definitions watch error", "dir", dir, "err", err)
		}
	}
}
