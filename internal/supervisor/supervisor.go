// Package supervisor owns the lifecycle of worker processes and the
// session↔pid mapping. It translates spawn/stop/discover operations into
// external launcher and multiplexer invocations — the supervisor never
// decides *which* bead a worker should run, only executes what it's told.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"forge/internal/metrics"
	"forge/internal/model"
)

// ErrorKind classifies a supervisor failure for user-facing guidance.
type ErrorKind string

const (
	ErrLauncherFailed ErrorKind = "LauncherFailed"
	ErrNotFound       ErrorKind = "NotFound"
	ErrTimeout        ErrorKind = "SpawnTimeout"
)

// Error is a structured supervisor failure.
type Error struct {
	Kind     ErrorKind
	Message  string
	Guidance string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// SpawnRequest describes a worker to start.
type SpawnRequest struct {
	LauncherPath string
	Model        string
	Workspace    string
	SessionName  string
	Tier         model.Tier
	TaskID       string // optional bead ref
	TimeoutSecs  int
}

// Multiplexer is the subset of session-multiplexer behavior the supervisor
// depends on (tmux in production; fakeable in tests).
type Multiplexer interface {
	ListSessions(ctx context.Context) ([]string, error)
	KillSession(ctx context.Context, name string) error
}

// Supervisor owns the in-memory worker registry and drives the external
// launcher and multiplexer.
type Supervisor struct {
	mux          Multiplexer
	log          *slog.Logger
	sessionRegex *regexp.Regexp

	mu       sync.Mutex
	registry map[string]*model.WorkerHandle
}

// New creates a Supervisor. sessionPattern recognizes worker sessions
// during Discover (e.g. `^(claude-code|glm)-.+$`).
func New(mux Multiplexer, sessionPattern string, log *slog.Logger) (*Supervisor, error) {
	re, err := regexp.Compile(sessionPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling session pattern %q: %w", sessionPattern, err)
	}
	return &Supervisor{
		mux:          mux,
		log:          log,
		sessionRegex: re,
		registry:     make(map[string]*model.WorkerHandle),
	}, nil
}

// launcherLine is the JSON line the launcher script writes to stdout on
// successful startup.
type launcherLine struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	Status   string `json:"status"`
}

// Spawn invokes the external launcher and registers a WorkerHandle on
// success. A pre-existing session with the same name is killed first,
// with a warning logged.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*model.WorkerHandle, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SupervisorSpawnDuration)

	if sessions, err := s.mux.ListSessions(ctx); err == nil {
		for _, name := range sessions {
			if name == req.SessionName {
				s.log.Warn("killing pre-existing session before spawn", "session", req.SessionName)
				_ = s.mux.KillSession(ctx, req.SessionName)
				break
			}
		}
	}

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	spawnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--model=" + req.Model,
		"--workspace=" + req.Workspace,
		"--session-name=" + req.SessionName,
	}
	if req.TaskID != "" {
		args = append(args, "--bead-ref="+req.TaskID)
	}

	cmd := exec.CommandContext(spawnCtx, req.LauncherPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		metrics.SupervisorSpawnsTotal.WithLabelValues("launcher_failed").Inc()
		return nil, &Error{Kind: ErrLauncherFailed, Message: err.Error(), Guidance: "check launcher_path is executable"}
	}
	if err := cmd.Start(); err != nil {
		metrics.SupervisorSpawnsTotal.WithLabelValues("launcher_failed").Inc()
		return nil, &Error{Kind: ErrLauncherFailed, Message: err.Error(), Guidance: "check launcher_path is executable"}
	}

	lineCh := make(chan launcherLine, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			var line launcherLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				errCh <- err
				return
			}
			lineCh <- line
			return
		}
		errCh <- scanner.Err()
	}()

	select {
	case <-spawnCtx.Done():
		_ = cmd.Process.Kill()
		metrics.SupervisorSpawnsTotal.WithLabelValues("timeout").Inc()
		return nil, &Error{Kind: ErrTimeout, Message: "launcher did not report status in time", Guidance: "check the launcher script and worker startup logs"}
	case err := <-errCh:
		_ = cmd.Wait()
		metrics.SupervisorSpawnsTotal.WithLabelValues("launcher_failed").Inc()
		return nil, &Error{Kind: ErrLauncherFailed, Message: fmt.Sprintf("reading launcher stdout: %v", err), Guidance: "launcher must print one JSON line on startup"}
	case line := <-lineCh:
		if line.WorkerID == "" || line.PID == 0 {
			metrics.SupervisorSpawnsTotal.WithLabelValues("launcher_failed").Inc()
			return nil, &Error{Kind: ErrLauncherFailed, Message: "launcher stdout missing worker_id or pid", Guidance: "check launcher script output contract"}
		}
		handle := &model.WorkerHandle{
			WorkerID:    line.WorkerID,
			SessionName: req.SessionName,
			PID:         line.PID,
			Tier:        req.Tier,
			Model:       req.Model,
			Workspace:   req.Workspace,
			SpawnedAt:   time.Now(),
		}
		s.mu.Lock()
		s.registry[handle.WorkerID] = handle
		s.mu.Unlock()
		metrics.SupervisorSpawnsTotal.WithLabelValues("success").Inc()
		s.log.Info("spawned worker", "worker_id", handle.WorkerID, "pid", handle.PID, "tier", handle.Tier)
		return handle, nil
	}
}

// Stop sends SIGTERM via the multiplexer's kill command. The registry
// entry is left as is. Cleanup (process exit, status file update)
// happens asynchronously outside the supervisor.
func (s *Supervisor) Stop(ctx context.Context, workerID string) error {
	s.mu.Lock()
	handle, ok := s.registry[workerID]
	s.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("worker %s not registered", workerID)}
	}
	if err := s.mux.KillSession(ctx, handle.SessionName); err != nil {
		return fmt.Errorf("killing session %s: %w", handle.SessionName, err)
	}
	s.log.Info("stopped worker", "worker_id", workerID)
	return nil
}

// Discover lists multiplexer sessions matching the session pattern and
// re-attaches to pre-existing workers, populating the registry. Used on
// startup.
func (s *Supervisor) Discover(ctx context.Context) ([]*model.WorkerHandle, error) {
	sessions, err := s.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var handles []*model.WorkerHandle
	s.mu.Lock()
	for _, name := range sessions {
		if !s.sessionRegex.MatchString(name) {
			continue
		}
		tier := model.TierForModel(name)
		handle := &model.WorkerHandle{
			WorkerID:    name,
			SessionName: name,
			Tier:        tier,
			SpawnedAt:   time.Now(),
		}
		s.registry[name] = handle
		handles = append(handles, handle)
	}
	s.mu.Unlock()
	return handles, nil
}

// ListWorkers returns the current in-memory registry.
func (s *Supervisor) ListWorkers() []*model.WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WorkerHandle, 0, len(s.registry))
	for _, h := range s.registry {
		out = append(out, h)
	}
	return out
}
