package history

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher watches a history directory for out-of-band file removal (an
// operator clearing disk state outside the process) and flags the affected
// Log so its next write reopens the file instead of appending to a deleted
// inode.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *logrus.Entry

	mu   sync.Mutex
	logs map[string]*Log // path -> Log
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, log *logrus.Entry) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:  fsw,
		log:  log.WithField("component", "history.watcher"),
		logs: make(map[string]*Log),
	}
	go w.run()
	return w, nil
}

// Track registers l so a Remove event on its path marks it as gone.
func (w *Watcher) Track(l *Log) {
	w.mu.Lock()
	w.logs[l.path] = l
	w.mu.Unlock()
}

// Untrack stops tracking l, e.g. after its owning session is cleaned up.
func (w *Watcher) Untrack(l *Log) {
	w.mu.Lock()
	delete(w.logs, l.path)
	w.mu.Unlock()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			l, tracked := w.logs[event.Name]
			w.mu.Unlock()
			if tracked {
				l.markFileGone()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("history: watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
