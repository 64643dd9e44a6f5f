package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// socketExists reports whether path exists and is a unix socket.
func socketExists(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

// socketWatcher wakes a waiting reader as soon as its socket path is
// created, instead of only at the next poll tick. Polling stays the source
// of truth; the watcher only shortens the wait.
type socketWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	wake    chan struct{}
}

// newSocketWatcher watches the directory containing path. It returns nil
// (and logs) if the directory cannot be watched; callers then rely on
// polling alone.
func newSocketWatcher(path string, logger *slog.Logger) *socketWatcher {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("fsnotify unavailable, polling only", "error", err)
		return nil
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Debug("cannot watch socket directory, polling only", "dir", filepath.Dir(path), "error", err)
		_ = fw.Close()
		return nil
	}

	w := &socketWatcher{
		path:    filepath.Clean(path),
		watcher: fw,
		wake:    make(chan struct{}, 1),
	}
	go w.loop(logger)
	return w
}

func (w *socketWatcher) loop(logger *slog.Logger) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Debug("socket watcher error", "error", err)
		}
	}
}

// Close stops the watcher. Safe on a nil receiver.
func (w *socketWatcher) Close() error {
	if w == nil {
		return nil
	}
	return w.watcher.Close()
}

// wait sleeps for d, returning early if the socket is created.
// It returns false if ctx is done.
func (w *socketWatcher) wait(ctx context.Context, d time.Duration) bool {
	var wake <-chan struct{}
	if w != nil {
		wake = w.wake
	}
	return sleepCtx(ctx, d, wake)
}

// sleepCtx sleeps for d unless ctx is done (returns false) or wake fires.
func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
