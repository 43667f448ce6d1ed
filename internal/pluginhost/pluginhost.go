// Package pluginhost watches the plugins directory for changes and
// re-runs discovery so a plugin dropped in, rebuilt, or removed takes
// effect without restarting the engine (spec §4.7, "plugins are
// discovered from a fixed directory").
//
// Grounded on the fsnotify usage in the retrieval pack's CLI/file-watch
// tools (afittestide-asimi-cli, haasonsaas-nexus both require
// github.com/fsnotify/fsnotify): a single directory-level watcher with
// a debounced rediscovery callback, rather than tracking individual
// file handles.
package pluginhost

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/anthropics/coreengine/internal/obslog"
)

// Rediscover is called after a burst of filesystem activity in the
// watched directory settles. Implemented by *tools.Registry.DiscoverPlugins
// bound to its directory and verbosity; kept as a plain func here so this
// package does not need to import internal/tools.
type Rediscover func(ctx context.Context) error

// Watcher hot-reloads a plugins directory: an initial discovery pass,
// then one rediscovery per debounced burst of fsnotify events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	done   chan struct{}
	debounce time.Duration
}

// Watch starts watching dir, invoking rediscover once immediately and
// again after every settled burst of changes. The returned Watcher must
// be closed to stop the background goroutine. A missing directory is
// tolerated: discovery itself treats it as empty, and the watch simply
// never fires.
func Watch(ctx context.Context, dir string, rediscover Rediscover) (*Watcher, error) {
	if err := rediscover(ctx); err != nil {
		obslog.Default().Warn("initial plugin discovery failed", "dir", dir, "error", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		// Directory doesn't exist yet or isn't watchable; discovery
		// already tolerates that, so just skip live watching.
		obslog.Default().Warn("plugin directory not watchable, hot discovery disabled", "dir", dir, "error", err)
		fsw.Close()
		return &Watcher{done: make(chan struct{})}, nil
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{}), debounce: 250 * time.Millisecond}
	go w.run(ctx, dir, rediscover)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, dir string, rediscover Rediscover) {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			_ = ev
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			obslog.Default().Warn("plugin directory watch error", "dir", dir, "error", err)
		case <-fire:
			fire = nil
			timer = nil
			if err := rediscover(ctx); err != nil {
				obslog.Default().Warn("plugin rediscovery failed", "dir", dir, "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}
