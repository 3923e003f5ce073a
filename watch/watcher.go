// Package watch turns file system events on the notifier's input files into
// ingestion requests.
package watch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// SourceKind identifies a watched input.
type SourceKind string

const (
	SourceReplog   SourceKind = "replog"
	SourceSchema   SourceKind = "schema"
	SourceListener SourceKind = "listener"
)

// Handler is called once per debounced change. It must not block or do I/O;
// it should only record that input is available.
type Handler func(kind SourceKind)

// ErrWatcherStopped is returned when operations are attempted on a stopped watcher.
var ErrWatcherStopped = errors.New("watcher is stopped")

// WatcherError represents an error from the file watcher.
type WatcherError struct {
	Op   string
	Path string
	Err  error
}

func (e *WatcherError) Error() string {
	return fmt.Sprintf("watcher %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WatcherError) Unwrap() error {
	return e.Err
}

// ChangeWatcher watches the parent directories of the input files, so that
// files which are replaced or created later are still seen.
type ChangeWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]SourceKind
	handler  Handler
	debounce time.Duration

	mu      sync.Mutex
	timers  map[SourceKind]*time.Timer
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher for files. Kinds without a path are not watched.
func New(files map[SourceKind]string, debounce time.Duration, handler Handler) (*ChangeWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &WatcherError{Op: "create", Err: err}
	}

	w := &ChangeWatcher{
		watcher:  fw,
		files:    make(map[string]SourceKind, len(files)),
		handler:  handler,
		debounce: debounce,
		timers:   make(map[SourceKind]*time.Timer),
		stopCh:   make(chan struct{}),
	}
	for kind, path := range files {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fw.Close()
			return nil, &WatcherError{Op: "resolve", Path: path, Err: err}
		}
		w.files[abs] = kind
	}
	return w, nil
}

// Start registers the directory watches and begins delivering events.
func (w *ChangeWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return &WatcherError{Op: "start", Err: ErrWatcherStopped}
	}
	if w.started {
		return nil
	}

	dirs := make(map[string]bool)
	for path := range w.files {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return &WatcherError{Op: "watch", Path: dir, Err: err}
		}
		log.Info().Str("dir", dir).Msg("Watching directory")
	}

	w.started = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and cancels pending debounced calls.
func (w *ChangeWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for kind, t := range w.timers {
		t.Stop()
		delete(w.timers, kind)
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Trigger reports a change of kind without a file event, e.g. at startup.
func (w *ChangeWatcher) Trigger(kind SourceKind) {
	w.handler(kind)
}

func (w *ChangeWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *ChangeWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	kind, ok := w.files[filepath.Clean(event.Name)]
	if !ok {
		return
	}
	telemetry.WatcherEventsTotal.With(string(kind)).Inc()
	log.Trace().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")

	if w.debounce <= 0 {
		w.handler(kind)
		return
	}
	w.schedule(kind)
}

// schedule delivers kind once the debounce delay after the first event of a
// burst has passed. Events during the delay are covered by that delivery.
func (w *ChangeWatcher) schedule(kind SourceKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if _, pending := w.timers[kind]; pending {
		return
	}
	w.timers[kind] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, kind)
		stopped := w.stopped
		w.mu.Unlock()
		if !stopped {
			w.handler(kind)
		}
	})
}
