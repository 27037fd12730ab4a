package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/nebochat/internal/logging"
)

// Watcher reloads a config file when it changes on disk
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Watch calls onChange with the reparsed config whenever path is written.
// The parent directory is watched so editors that replace the file by rename
// are still seen. Invalid edits are logged and skipped.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	name := filepath.Base(path)

	go func() {
		var debounceTimer *time.Timer
		for {
			select {
			case <-w.done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors may write several times; reload once they settle
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
					cfg, err := LoadFrom(path)
					if err != nil {
						logging.Warnf("[config] %s changed but could not be loaded: %v", name, err)
						return
					}
					logging.Infof("[config] %s reloaded", name)
					onChange(cfg)
				})
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logging.Warnf("[config] Watcher error: %v", err)
			}
		}
	}()

	logging.Infof("[config] Watching %s for changes", path)
	return w, nil
}

// Close stops watching
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
