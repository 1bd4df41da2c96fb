package tracking

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the job.status files under a run directory's log/job tree
// and reports parsed updates as they land, as a low-latency complement to
// the poll schedule: a status-file write usually precedes the worker's
// status message reaching the command channel by a noticeable margin on a
// loaded batch system.
type Watcher struct {
	w       *fsnotify.Watcher
	log     *slog.Logger
	mu      sync.Mutex
	watched map[string]bool

	Updates chan StatusUpdate
}

// StatusUpdate pairs a parsed status file with the path it came from, so
// the scheduler can map it back to a task instance via the run-directory
// naming convention (log/job/<point>/<name>/<submit>/job.status).
type StatusUpdate struct {
	Path   string
	Fields StatusFields
}

// NewWatcher builds a status-file watcher. Call Close when done.
func NewWatcher(log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tracking: create fsnotify watcher: %w", err)
	}
	w := &Watcher{w: fw, log: log, watched: make(map[string]bool), Updates: make(chan StatusUpdate, 64)}
	go w.loop()
	return w, nil
}

// WatchDir adds a job submit-attempt directory to the watch set; call this
// once the submission subsystem creates log/job/<point>/<name>/<submit>/.
func (w *Watcher) WatchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.w.Add(dir); err != nil {
		return fmt.Errorf("tracking: watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				close(w.Updates)
				return
			}
			if filepath.Base(ev.Name) != "job.status" {
				continue
			}
			if !(ev.Op&fsnotify.Write == fsnotify.Write || ev.Op&fsnotify.Create == fsnotify.Create) {
				continue
			}
			fields, err := ParseStatusFile(ev.Name)
			if err != nil {
				if w.log != nil {
					w.log.Warn("tracking: failed to parse status file", "path", ev.Name, "error", err)
				}
				continue
			}
			select {
			case w.Updates <- StatusUpdate{Path: ev.Name, Fields: fields}:
			default:
				if w.log != nil {
					w.log.Warn("tracking: status update channel full, dropping", "path", ev.Name)
				}
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("tracking: fsnotify error", "error", err)
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.w.Close() }
