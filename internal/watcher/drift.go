// Package watcher observes the generated frontend env file during attached
// monitoring and reports out-of-band edits so the supervisor can re-apply
// the snapshot.
package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"limbic/internal/logging"
)

const defaultDebounce = 200 * time.Millisecond

// DriftWatcher watches one file. Events are debounced: editors and build
// tools produce bursts of writes for a single logical change.
type DriftWatcher struct {
	path     string
	notifier *fsnotify.Watcher
	logger   *logging.Logger
	onDrift  func()
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	done chan struct{}
}

// New starts watching path's directory (the file itself may be removed and
// recreated, which drops a direct watch).
func New(path string, onDrift func(), logger *logging.Logger) (*DriftWatcher, error) {
	if path == "" || onDrift == nil {
		return nil, errors.New("watcher requires a path and a callback")
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := notifier.Add(filepath.Dir(path)); err != nil {
		_ = notifier.Close()
		return nil, err
	}

	watcher := &DriftWatcher{
		path:     path,
		notifier: notifier,
		logger:   logger,
		onDrift:  onDrift,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	go watcher.run()
	return watcher, nil
}

func (w *DriftWatcher) run() {
	for {
		select {
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("env watcher error", map[string]string{
					"error": err.Error(),
				})
			}
		case <-w.done:
			return
		}
	}
}

func (w *DriftWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		if w.logger != nil {
			w.logger.Warn("env file changed out of band", map[string]string{
				"path": w.path,
			})
		}
		w.onDrift()
	})
}

func (w *DriftWatcher) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	close(w.done)
	return w.notifier.Close()
}
