package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the settings whenever the file changes and hands every
// valid result to onChange. Invalid edits are logged and the previous
// settings stay current. Watch returns once the watcher is running; it
// stops when ctx is done.
func (g *Gateway) Watch(ctx context.Context, logger *slog.Logger, onChange func(AppSettings)) error {
	if g.path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(g.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	// editors replace files on save, so watch the directory
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch settings directory: %w", err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("settings watcher error", "error", err)
			case <-fire:
				fire = nil
				settings, err := g.Load()
				if err != nil {
					logger.Warn("settings reload rejected", "error", err)
					continue
				}
				logger.Info("settings reloaded", "path", absPath)
				if onChange != nil {
					onChange(settings)
				}
			}
		}
	}()
	return nil
}
