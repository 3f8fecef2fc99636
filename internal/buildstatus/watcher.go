package buildstatus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/stampede/internal/logging"
)

// Watcher reports whether a final status exists for one session. It follows
// fsnotify events in the store directory and also re-reads the file whenever
// IsFinished is asked while no status has been seen yet.
type Watcher struct {
	store     *Store
	sessionID string
	path      string
	logger    *logging.Logger

	watcher  *fsnotify.Watcher
	finished atomic.Bool
	status   atomic.Pointer[Status]
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
	closed   sync.Once
}

func NewWatcher(store *Store, sessionID string, logger *logging.Logger) (*Watcher, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(store.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}

	w := &Watcher{
		store:     store,
		sessionID: sessionID,
		path:      filepath.Clean(store.Path(sessionID)),
		logger:    logger,
		watcher:   fw,
		done:      make(chan struct{}),
	}

	w.check()

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Log(logging.LevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				w.check()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Log(logging.LevelWarn, "fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) check() {
	if w.finished.Load() {
		return
	}
	st, err := w.store.Get(w.sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			w.logger.Log(logging.LevelDebug, "read status session=%s: %v", w.sessionID, err)
		}
		return
	}
	w.status.Store(&st)
	w.finished.Store(true)
	w.doneOnce.Do(func() { close(w.done) })
	w.logger.Log(logging.LevelInfo, "final status observed session=%s exit_code=%d", w.sessionID, st.ExitCode)
}

// IsFinished reports whether a final status for the session is on disk.
func (w *Watcher) IsFinished() bool {
	w.check()
	return w.finished.Load()
}

// Done is closed once a final status has been observed.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Status returns the observed status, if any.
func (w *Watcher) Status() (Status, bool) {
	st := w.status.Load()
	if st == nil {
		return Status{}, false
	}
	return *st, true
}

func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
