package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the config file on change and hands the fresh Config to the
// registered callback. Reload failures keep the previous config.
type Watcher struct {
	path     string
	onReload func(*Config)

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{path: path, onReload: onReload, stopCh: make(chan struct{})}
}

// Start begins watching the config file using fsnotify. The directory is
// watched too so atomic writes (rename) are caught.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	// Watching the file itself can fail before it exists; the directory watch
	// still catches its creation.
	_ = watcher.Add(w.path)

	log.WithField("path", w.path).Info("config watcher started")

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, w.reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")

			case <-w.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).WithField("path", w.path).Warn("config reload failed, keeping previous config")
		return
	}
	log.WithField("path", w.path).Info("config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
