// Package logwatcher tails <root>/logs/<worker>.log files, parses each line
// as JSON (falling back to key=value), and retains a bounded ring buffer of
// recent events per worker.
package logwatcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nxadm/tail"

	"forge/internal/metrics"
)

// LogEvent is one parsed line from a worker's log file.
type LogEvent struct {
	WorkerID  string
	Timestamp time.Time
	Level     string
	Message   string
	Fields    map[string]string
}

// ring is a fixed-capacity circular buffer of LogEvent, oldest entries
// dropped first once full.
type ring struct {
	mu     sync.Mutex
	buf    []LogEvent
	next   int
	filled bool
	cap    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]LogEvent, capacity), cap: capacity}
}

func (r *ring) push(ev LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap == 0 {
		return
	}
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.filled = true
	}
}

// snapshot returns events oldest-first.
func (r *ring) snapshot() []LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		out := make([]LogEvent, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]LogEvent, r.cap)
	copy(out, r.buf[r.next:])
	copy(out[r.cap-r.next:], r.buf[:r.next])
	return out
}

// workerTail owns one tail.Tail and the counters derived from it.
type workerTail struct {
	t            *tail.Tail
	skippedLines int64
}

// Watcher tails every <root>/logs/*.log file, one tail.Tail per worker,
// following rotation via nxadm/tail's ReOpen+Poll mode.
type Watcher struct {
	dir      string
	ringSize int
	log      *slog.Logger

	events chan LogEvent
	done   chan struct{}

	mu    sync.Mutex
	rings map[string]*ring
	tails map[string]*workerTail
}

// New creates a Watcher over dir, retaining ringSize recent events per
// worker.
func New(dir string, ringSize int, log *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		ringSize: ringSize,
		log:      log,
		events:   make(chan LogEvent, 256),
		done:     make(chan struct{}),
		rings:    make(map[string]*ring),
		tails:    make(map[string]*workerTail),
	}
}

// Events returns the channel of parsed log events.
func (w *Watcher) Events() <-chan LogEvent {
	return w.events
}

// Start discovers existing *.log files under dir and begins tailing them.
// It does not watch for newly created log files itself; call Discover
// periodically (e.g. from the supervisor's spawn path) to pick up new
// workers.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	return w.Discover()
}

// Discover adds tails for any *.log file under dir not already tailed.
func (w *Watcher) Discover() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		workerID := strings.TrimSuffix(e.Name(), ".log")
		w.mu.Lock()
		_, exists := w.tails[workerID]
		w.mu.Unlock()
		if exists {
			continue
		}
		if err := w.addTail(workerID, filepath.Join(w.dir, e.Name())); err != nil {
			w.log.Warn("log watcher: failed to tail", "worker_id", workerID, "error", err)
		}
	}
	return nil
}

func (w *Watcher) addTail(workerID, path string) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true, // resumes from the new file's beginning on rotation
		Poll:      true, // portable across filesystems without inotify
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: os.SEEK_END},
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.rings[workerID] = newRing(w.ringSize)
	w.tails[workerID] = &workerTail{t: t}
	w.mu.Unlock()

	go w.consume(workerID, t)
	return nil
}

func (w *Watcher) consume(workerID string, t *tail.Tail) {
	for {
		select {
		case <-w.done:
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				w.log.Warn("log watcher: tail error", "worker_id", workerID, "error", line.Err)
				continue
			}
			ev, ok := parseLine(workerID, line.Text)
			if !ok {
				w.mu.Lock()
				if wt, exists := w.tails[workerID]; exists {
					wt.skippedLines++
				}
				w.mu.Unlock()
				metrics.LogLinesSkippedTotal.WithLabelValues(workerID).Inc()
				continue
			}
			w.mu.Lock()
			if r, exists := w.rings[workerID]; exists {
				r.push(ev)
			}
			w.mu.Unlock()
			select {
			case w.events <- ev:
			case <-w.done:
				return
			}
		}
	}
}

// Recent returns the current ring buffer contents for a worker, oldest
// first.
func (w *Watcher) Recent(workerID string) []LogEvent {
	w.mu.Lock()
	r, ok := w.rings[workerID]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return r.snapshot()
}

// SkippedLines reports how many malformed lines have been dropped for a
// worker since its tail started.
func (w *Watcher) SkippedLines(workerID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wt, ok := w.tails[workerID]; ok {
		return wt.skippedLines
	}
	return 0
}

// Stop halts every active tail and releases resources.
func (w *Watcher) Stop() {
	close(w.done)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, wt := range w.tails {
		wt.t.Stop()
	}
}
