package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/signalsfoundry/amr-fleet/internal/logging"
)

const watchDebounce = 50 * time.Millisecond

// Watch reloads path whenever it is written and passes every configuration
// that loads and validates to onChange. Invalid edits are logged and the
// previous configuration stays in force. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, log logging.Logger, onChange func(Config)) error {
	if log == nil {
		log = logging.Noop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(watchDebounce)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debounce.Reset(watchDebounce)

			case <-debounce.C:
				cfg, err := Load(abs)
				if err == nil {
					err = cfg.Validate()
				}
				if err != nil {
					log.Warn(ctx, "ignoring config change", logging.String("path", abs), logging.Err(err))
					continue
				}
				log.Info(ctx, "config reloaded", logging.String("path", abs))
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(ctx, "config watcher error", logging.Err(err))
			}
		}
	}()
	return nil
}
