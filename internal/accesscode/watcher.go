package accesscode

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/store"
)

// Watcher re-imports an operator-maintained code file whenever it changes,
// so new codes can be handed out without restarting the node.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	st        store.Store
	path      string
	debounce  time.Duration
	imported  chan int
	done      chan struct{}
}

// WatcherConfig holds watcher options.
type WatcherConfig struct {
	Path     string
	Debounce time.Duration
}

// DefaultWatcherConfig returns sensible defaults for a code file path.
func DefaultWatcherConfig(path string) WatcherConfig {
	return WatcherConfig{
		Path:     path,
		Debounce: 1 * time.Second,
	}
}

// NewWatcher creates a watcher over the configured code file.
func NewWatcher(st store.Store, cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsw,
		st:        st,
		path:      cfg.Path,
		debounce:  cfg.Debounce,
		imported:  make(chan int, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start imports the file once if it exists, then begins watching its
// directory. The returned channel receives the number of codes added on
// each re-import.
func (w *Watcher) Start() (<-chan int, error) {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	if _, err := os.Stat(w.path); err == nil {
		w.importNow()
	}

	go w.loop()

	return w.imported, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.importNow()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatCode, "watcher error", err, "path", w.path)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) importNow() {
	n, err := ImportFile(w.st, w.path)
	if err != nil {
		log.ErrorErr(log.CatCode, "access code import failed", err, "path", w.path)
		return
	}
	if n > 0 {
		log.Info(log.CatCode, "imported access codes", "path", w.path, "added", n)
	}
	// Non-blocking send so a slow consumer never stalls imports.
	select {
	case w.imported <- n:
	default:
	}
}

// isRelevantEvent keeps only writes and creations of the code file itself.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}
