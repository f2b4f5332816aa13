package config

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arcuslabs/arcusgw/internal/logging"
)

// Snapshot holds the current immutable config and supports atomic
// replacement on reload. Readers call Current() once per request and
// keep using the returned pointer for the request's lifetime - a reload
// mid-request is invisible to it, which avoids torn reads.
type Snapshot struct {
	ptr atomic.Pointer[Config]
}

// NewSnapshot creates a snapshot holding cfg
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(cfg)
	return s
}

// Current returns the active config
func (s *Snapshot) Current() *Config {
	return s.ptr.Load()
}

// Replace swaps in a new config
func (s *Snapshot) Replace(cfg *Config) {
	s.ptr.Store(cfg)
}

// Watcher reloads the config file on change and swaps the snapshot
type Watcher struct {
	path     string
	snapshot *Snapshot
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
	onReload func(*Config)
}

// NewWatcher creates a watcher for the config file at path.
// onReload (optional) is called after each successful swap.
func NewWatcher(path string, snapshot *Snapshot, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		snapshot: snapshot,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
		onReload: onReload,
	}

	go w.loop()
	logging.L_debug("config: watching for changes", "path", path)
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often emit several events per save; debounce
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watch error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.L_error("config: reload failed, keeping previous snapshot", "path", w.path, "error", err)
		return
	}

	w.snapshot.Replace(cfg)
	logging.L_info("config: reloaded", "path", w.path)

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
