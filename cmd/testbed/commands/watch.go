package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchDebounce collapses the burst of events an editor produces on save.
const watchDebounce = 300 * time.Millisecond

// watchPath calls onChange after path changes, until ctx is cancelled. A
// file is watched through its directory so that editors replacing the file
// on save keep being followed. Changes within watchDebounce of each other
// trigger one call.
func watchPath(ctx context.Context, path string, onChange func()) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir, match := path, func(string) bool { return true }
	if !info.IsDir() {
		dir = filepath.Dir(path)
		want := filepath.Clean(path)
		match = func(name string) bool { return filepath.Clean(name) == want }
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !match(event.Name) {
				continue
			}
			log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Experiment file changed")

			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("Watcher error")
		}
	}
}
