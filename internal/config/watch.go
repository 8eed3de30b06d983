package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce coalesces the burst of events an editor save produces.
const WatchDebounce = 200 * time.Millisecond

// Watch calls onChange after path is written, created or replaced, until ctx
// is done. The parent directory is watched so atomic rename-saves are seen.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func()) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		var fire <-chan time.Time
		var t *time.Timer
		for {
			select {
			case <-ctx.Done():
				if t != nil {
					t.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if t == nil {
					t = time.NewTimer(WatchDebounce)
				} else {
					t.Reset(WatchDebounce)
				}
				fire = t.C
			case <-fire:
				fire = nil
				log.Info("config file changed", "file", abs)
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watch error", "error", err)
			}
		}
	}()
	return nil
}
