// Package statuswatcher surfaces filesystem events from <root>/status/ to
// interested components. It watches with fsnotify where available and
// falls back to polling, coalescing bursty writes to the same file within
// a debounce window into a single emitted event — the same per-path
// debounce-timer shape as a tail-style session watcher, generalized from
// one file to a directory of per-worker status files.
package statuswatcher

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forge/internal/model"
)

// EventKind distinguishes the reason a Snapshot changed.
type EventKind string

const (
	EventUpdated        EventKind = "Updated"
	EventRemoved        EventKind = "Removed"
	EventStatusCorrupt  EventKind = "StatusFileCorrupt"
)

// Event is emitted on every coalesced change to a worker's status file.
type Event struct {
	Kind     EventKind
	WorkerID string
	Status   model.WorkerStatus
	Err      error
}

// Watcher watches <root>/status/*.json and maintains a best-effort
// snapshot of worker status, readable concurrently with watching.
type Watcher struct {
	dir      string
	debounce time.Duration
	poll     time.Duration
	log      *slog.Logger

	events chan Event
	done   chan struct{}

	mu    sync.RWMutex
	state map[string]model.WorkerStatus

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New creates a Watcher over dir using the given debounce window (coalesces
// bursty writes to one file) and poll interval (fallback when fsnotify is
// unavailable).
func New(dir string, debounce, poll time.Duration, log *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		poll:     poll,
		log:      log,
		events:   make(chan Event, 32),
		done:     make(chan struct{}),
		state:    make(map[string]model.WorkerStatus),
		timers:   make(map[string]*time.Timer),
	}
}

// Events returns the channel of coalesced status change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching. It loads the current directory contents first so
// Snapshot is populated before the first event arrives, then runs the
// watch loop in a goroutine until Stop is called. On watcher creation
// failure it falls back to polling without propagating an error, per the
// documented failure semantics.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	w.loadAll()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("status watcher: falling back to polling", "error", err)
		go w.pollLoop()
		return nil
	}
	if err := fsw.Add(w.dir); err != nil {
		w.log.Warn("status watcher: falling back to polling", "error", err)
		fsw.Close()
		go w.pollLoop()
		return nil
	}

	go w.watchLoop(fsw)
	return nil
}

// Stop halts the watch loop and releases resources.
func (w *Watcher) Stop() {
	close(w.done)
}

// Snapshot returns the current best-effort view of all known worker status.
func (w *Watcher) Snapshot() map[string]model.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]model.WorkerStatus, len(w.state))
	for k, v := range w.state {
		out[k] = v
	}
	return out
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.handleRemove(ev.Name)
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.scheduleDebounced(ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("status watcher error", "error", err)
		}
	}
}

// pollLoop is the degraded-mode loop used when fsnotify is unavailable.
func (w *Watcher) pollLoop() {
	defer close(w.events)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.loadAll()
		}
	}
}

// scheduleDebounced coalesces a burst of writes to the same path into one
// read-and-emit, after the debounce window elapses with no further writes.
func (w *Watcher) scheduleDebounced(path string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.readAndEmit(path) })
}

func (w *Watcher) readAndEmit(path string) {
	workerID := workerIDFromPath(path)
	status, err := readStatus(path)
	if err != nil {
		w.mu.Lock()
		w.state[workerID] = model.WorkerStatus{WorkerID: workerID, Status: model.StatusError, SourcePath: path}
		w.mu.Unlock()
		w.emit(Event{Kind: EventStatusCorrupt, WorkerID: workerID, Err: err})
		return
	}
	w.mu.Lock()
	w.state[workerID] = status
	w.mu.Unlock()
	w.emit(Event{Kind: EventUpdated, WorkerID: workerID, Status: status})
}

func (w *Watcher) handleRemove(path string) {
	workerID := workerIDFromPath(path)
	w.mu.Lock()
	delete(w.state, workerID)
	w.mu.Unlock()
	w.emit(Event{Kind: EventRemoved, WorkerID: workerID})
}

func (w *Watcher) loadAll() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		workerID := workerIDFromPath(path)
		seen[workerID] = true
		status, err := readStatus(path)
		if err != nil {
			w.mu.Lock()
			w.state[workerID] = model.WorkerStatus{WorkerID: workerID, Status: model.StatusError, SourcePath: path}
			w.mu.Unlock()
			continue
		}
		w.mu.Lock()
		w.state[workerID] = status
		w.mu.Unlock()
	}

	w.mu.Lock()
	for id := range w.state {
		if !seen[id] {
			delete(w.state, id)
		}
	}
	w.mu.Unlock()
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func workerIDFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func readStatus(path string) (model.WorkerStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkerStatus{}, err
	}
	var status model.WorkerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return model.WorkerStatus{}, err
	}
	status.SourcePath = path
	if status.WorkerID == "" {
		status.WorkerID = workerIDFromPath(path)
	}
	return status, nil
}
