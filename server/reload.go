package server

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const reloadDebounce = 100 * time.Millisecond

// WatchFile calls onChange after path is written, created or replaced.
// Bursts of events are collapsed into one call. The parent directory is
// watched so editors that save by rename are still seen. The watcher
// stops when ctx is done.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Printf("[reload] %s: %s", ev.Op, ev.Name)
				pending = time.After(reloadDebounce)

			case <-pending:
				pending = nil
				onChange()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[reload] watcher error: %v", err)
			}
		}
	}()

	return nil
}
