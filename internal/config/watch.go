package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchFile logs a warning whenever the on-disk config file changes. It does
// not reload configuration — no component in this repo needs a live
// config swap, so this only tells an operator a restart may be needed.
// It returns a cleanup func; call it to stop watching. If path is empty
// it returns a no-op; if the watcher cannot be created, it logs and
// returns a no-op.
func WatchFile(path string, logger *slog.Logger) func() {
	if path == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config file watch disabled", "error", err)
		return func() {}
	}

	if err := watcher.Add(path); err != nil {
		logger.Warn("config file watch disabled", "path", path, "error", err)
		_ = watcher.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Warn("config file changed on disk; restart to apply", "path", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config file watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}
}
