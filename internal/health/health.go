// Package health runs periodic probes against worker status and raises
// health events when probes fail, mirroring the teacher's reconcile-sweep
// shape (single mutex-guarded pass, structured logging per transition)
// applied to liveness rather than pod drift.
package health

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"forge/internal/config"
	"forge/internal/metrics"
	"forge/internal/model"
)

// Prober isolates the platform-specific bits (process liveness, RSS,
// signaling) so Monitor's sweep logic is portable and testable.
type Prober interface {
	PidAlive(pid int) bool
	IsZombie(pid int) bool
	RSSBytes(pid int) (int64, bool)
	SendSignal(pid int) error
}

// Monitor runs health sweeps over the current worker snapshot.
type Monitor struct {
	cfg    *config.Config
	prober Prober
	log    *slog.Logger

	mu       sync.Mutex
	statuses map[string]*model.HealthStatus
}

// New creates a Monitor.
func New(cfg *config.Config, prober Prober, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		prober:   prober,
		log:      log,
		statuses: make(map[string]*model.HealthStatus),
	}
}

// Sweep runs every enabled probe against the current worker snapshot and
// returns the CheckResults produced this pass, ordered by probe priority.
// Consecutive failures are tracked per worker per check and reset on the
// first pass that check succeeds.
func (m *Monitor) Sweep(now time.Time, workers map[string]model.WorkerStatus) []model.CheckResult {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthSweepDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	var results []model.CheckResult
	seen := make(map[string]bool, len(workers))
	for id, ws := range workers {
		seen[id] = true
		hs, ok := m.statuses[id]
		if !ok {
			hs = model.NewHealthStatus(id)
			m.statuses[id] = hs
		}
		results = append(results, m.sweepWorker(now, ws, hs)...)
	}

	for id := range m.statuses {
		if !seen[id] {
			delete(m.statuses, id)
		}
	}
	return results
}

func (m *Monitor) sweepWorker(now time.Time, ws model.WorkerStatus, hs *model.HealthStatus) []model.CheckResult {
	var results []model.CheckResult

	results = append(results, m.checkPidExists(now, ws, hs))
	results = append(results, m.checkActivityFresh(now, ws, hs))
	if ws.CurrentTask != nil {
		results = append(results, m.checkTaskProgress(now, ws, hs))
	}
	if m.cfg.MemoryLimitMB > 0 {
		results = append(results, m.checkMemoryUsage(ws, hs))
	}
	if m.cfg.ResponseProbeEnabled {
		results = append(results, m.checkResponseProbe(ws, hs))
	}

	anyFailed := false
	for _, r := range results {
		if !r.Passed {
			anyFailed = true
			break
		}
	}
	hs.IsHealthy = !anyFailed
	hs.LastCheck = now
	hs.CheckResults = results
	return results
}

func (m *Monitor) record(hs *model.HealthStatus, check model.CheckType, passed bool) model.CheckResult {
	outcome := "pass"
	if passed {
		hs.ConsecutiveFailures[check] = 0
	} else {
		hs.ConsecutiveFailures[check]++
		outcome = "fail"
	}
	metrics.HealthChecksTotal.WithLabelValues(string(check), outcome).Inc()
	return model.CheckResult{
		CheckType:           check,
		Passed:              passed,
		ConsecutiveFailures: hs.ConsecutiveFailures[check],
	}
}

// checkPidExists fails with DeadProcess when the pid is gone or zombie.
func (m *Monitor) checkPidExists(now time.Time, ws model.WorkerStatus, hs *model.HealthStatus) model.CheckResult {
	alive := m.prober.PidAlive(ws.PID) && !m.prober.IsZombie(ws.PID)
	r := m.record(hs, model.CheckPidExists, alive)
	if !alive {
		r.ErrorKind = model.ErrorDeadProcess
	}
	return r
}

// checkActivityFresh fails with StaleActivity when last_activity is older
// than stale_threshold_secs.
func (m *Monitor) checkActivityFresh(now time.Time, ws model.WorkerStatus, hs *model.HealthStatus) model.CheckResult {
	threshold := time.Duration(m.cfg.StaleThresholdSecs) * time.Second
	fresh := ws.LastActivity.IsZero() || now.Sub(ws.LastActivity) <= threshold
	r := m.record(hs, model.CheckActivityFresh, fresh)
	if !fresh {
		r.ErrorKind = model.ErrorStaleActivity
	}
	return r
}

// checkTaskProgress fails with TaskStuck when the same task has been
// current for longer than task_stuck_threshold_secs, tracked across
// consecutive sweeps via hs.CurrentTaskSince.
func (m *Monitor) checkTaskProgress(now time.Time, ws model.WorkerStatus, hs *model.HealthStatus) model.CheckResult {
	taskID := ws.CurrentTask.ID
	if hs.CurrentTaskID != taskID {
		hs.CurrentTaskID = taskID
		hs.CurrentTaskSince = now
	}
	stuck := !hs.CurrentTaskSince.IsZero() &&
		now.Sub(hs.CurrentTaskSince) > time.Duration(m.cfg.TaskStuckThresholdSecs)*time.Second
	r := m.record(hs, model.CheckTaskProgress, !stuck)
	if stuck {
		r.ErrorKind = model.ErrorTaskStuck
	}
	return r
}

// checkMemoryUsage fails when RSS exceeds memory_limit_mb.
func (m *Monitor) checkMemoryUsage(ws model.WorkerStatus, hs *model.HealthStatus) model.CheckResult {
	rss, ok := m.prober.RSSBytes(ws.PID)
	if !ok {
		return m.record(hs, model.CheckMemoryUsage, true)
	}
	limitBytes := int64(m.cfg.MemoryLimitMB) * 1024 * 1024
	within := rss <= limitBytes
	r := m.record(hs, model.CheckMemoryUsage, within)
	if !within {
		r.ErrorKind = model.ErrorMemoryOver
	}
	return r
}

// checkResponseProbe sends a signal and waits up to
// response_probe_timeout_secs for the worker's status file to be
// rewritten. Optional; off by default.
func (m *Monitor) checkResponseProbe(ws model.WorkerStatus, hs *model.HealthStatus) model.CheckResult {
	markerPath := filepath.Join(m.cfg.Root, "status", ws.WorkerID+".json")
	before := statModTime(markerPath)

	if err := m.prober.SendSignal(ws.PID); err != nil {
		r := m.record(hs, model.CheckResponseProbe, false)
		r.ErrorKind = model.ErrorUnresponsive
		r.Message = err.Error()
		return r
	}

	timeout := time.Duration(m.cfg.ResponseProbeTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	responded := false
	for time.Now().Before(deadline) {
		if statModTime(markerPath).After(before) {
			responded = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	r := m.record(hs, model.CheckResponseProbe, responded)
	if !responded {
		r.ErrorKind = model.ErrorUnresponsive
	}
	return r
}

func statModTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// Status returns the current health view for a worker, if tracked.
func (m *Monitor) Status(workerID string) (model.HealthStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.statuses[workerID]
	if !ok {
		return model.HealthStatus{}, false
	}
	return *hs, true
}

// procProber reads /proc for pid liveness, zombie state, and RSS, the
// Linux equivalent of the platform APIs the probes describe.
type procProber struct{}

// NewProcProber creates a Prober backed by /proc.
func NewProcProber() Prober { return procProber{} }

func (procProber) PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return err == nil
}

func (procProber) IsZombie(pid int) bool {
	if pid <= 0 {
		return false
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...; comm may contain spaces/parens, so
	// split on the last ')' to find the state field reliably.
	s := string(data)
	idx := strings.LastIndex(s, ")")
	if idx == -1 || idx+2 >= len(s) {
		return false
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "Z"
}

// SendSignal sends SIGUSR1, the same user-defined lifecycle-wake signal
// other daemons in the corpus use to ask a running process to respond.
func (procProber) SendSignal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGUSR1)
}

func (procProber) RSSBytes(pid int) (int64, bool) {
	if pid <= 0 {
		return 0, false
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	const pageSize = 4096
	return pages * pageSize, true
}
