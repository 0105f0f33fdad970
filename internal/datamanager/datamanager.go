// Package datamanager is the top-level orchestrator: it wires together
// beads, statuswatcher, logwatcher, supervisor, health, alerts, router,
// and ledger, and exposes a single read-only Snapshot under a short
// critical section — the same mutex-guarded single-pass shape as the
// teacher's Reconciler.Reconcile, generalized from "converge pods" to
// "aggregate a UI-facing view and propose routing suggestions".
package datamanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forge/internal/alerts"
	"forge/internal/apiretry"
	"forge/internal/beads"
	"forge/internal/config"
	"forge/internal/health"
	"forge/internal/ledger"
	"forge/internal/logwatcher"
	"forge/internal/metrics"
	"forge/internal/model"
	"forge/internal/router"
	"forge/internal/statuswatcher"
	"forge/internal/supervisor"
)

// Snapshot is the read-only view the UI/chat layer consumes. It is built
// fresh on every Tick and never shared by pointer across ticks, so a
// caller holding one is never racing a concurrent update.
type Snapshot struct {
	Workers     []model.WorkerHandle
	Statuses    map[string]model.WorkerStatus
	Health      map[string]model.HealthStatus
	Alerts      []model.Alert
	Beads       []model.Bead
	Suggestions []model.Suggestion
	GeneratedAt time.Time
}

// Manager ties every FORGE component to a single tick loop and owns the
// current Snapshot.
type Manager struct {
	cfg *config.Config
	log *slog.Logger

	statusWatcher *statuswatcher.Watcher
	logWatcher    *logwatcher.Watcher
	super         *supervisor.Supervisor
	healthMon     *health.Monitor
	alertMgr      *alerts.Manager
	rt            *router.Router
	beadsReader   *beads.Reader
	led           *ledger.Ledger
	apiRunner     *apiretry.Runner

	prevTasksCompleted map[string]int

	mu   sync.RWMutex
	snap Snapshot
}

// New wires every component from cfg. workspaceDir roots both the beads
// reader and the status/log watcher directories (status/, logs/,
// .beads/ all live under it, matching spec.md §3's directory layout).
func New(cfg *config.Config, log *slog.Logger, mux supervisor.Multiplexer, workspaceDir string) (*Manager, error) {
	sw := statuswatcher.New(workspaceDir+"/status", cfg.StatusDebounce, cfg.PollInterval, log)
	lw := logwatcher.New(workspaceDir+"/logs", cfg.LogRingSize, log)

	super, err := supervisor.New(mux, cfg.SessionPattern, log)
	if err != nil {
		return nil, fmt.Errorf("building supervisor: %w", err)
	}

	led, err := ledger.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	runner := apiretry.New(cfg, log)

	return &Manager{
		cfg:                cfg,
		log:                log,
		statusWatcher:      sw,
		logWatcher:         lw,
		super:              super,
		healthMon:          health.New(cfg, health.NewProcProber(), log),
		alertMgr:           alerts.New(),
		rt:                 router.New(cfg),
		beadsReader:        beads.New(workspaceDir),
		led:                led,
		apiRunner:          runner,
		prevTasksCompleted: make(map[string]int),
	}, nil
}

// Start discovers pre-existing workers and begins the watchers. Must run
// before the first Tick.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.super.Discover(ctx); err != nil {
		m.log.Warn("discover on startup failed", "error", err)
	}
	if err := m.statusWatcher.Start(); err != nil {
		return fmt.Errorf("starting status watcher: %w", err)
	}
	if err := m.logWatcher.Start(); err != nil {
		return fmt.Errorf("starting log watcher: %w", err)
	}
	return nil
}

// Stop tears down the watchers. The ledger is closed separately via
// Ledger() so an embedder can flush it last.
func (m *Manager) Stop() {
	m.statusWatcher.Stop()
	m.logWatcher.Stop()
}

// Ledger exposes the underlying ledger so main can Close it on shutdown.
func (m *Manager) Ledger() *ledger.Ledger { return m.led }

// APIClient builds an apiretry.Client sharing this Manager's Runner, so
// every outbound completion call goes through the same rate
// limiter/breaker state.
func (m *Manager) APIClient() *apiretry.Client {
	return apiretry.NewClient(m.cfg, m.apiRunner)
}

// Tick runs one full pass: fold bead state, snapshot worker statuses,
// sweep health, raise/clear alerts, and produce routing suggestions. It
// returns the new Snapshot, which is also retained for Current().
func (m *Manager) Tick(ctx context.Context) (Snapshot, error) {
	beadList, err := m.beadsReader.Load()
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading beads: %w", err)
	}

	statuses := m.statusWatcher.Snapshot()
	workers := m.super.ListWorkers()

	now := time.Now()
	m.healthMon.Sweep(now, statuses)
	m.applyHealthToAlerts(workers)

	m.recordCompletedTasks(now, statuses)
	if err := m.rollupLedger(now); err != nil {
		m.log.Warn("ledger rollup failed", "error", err)
	}

	free := m.freeWorkers(workers, statuses)
	ready := readyBeads(beadList)
	suggestions := m.rt.Route(ready, free)

	m.publishWorkerGauge(workers)

	healthViews := make(map[string]model.HealthStatus, len(workers))
	for _, w := range workers {
		if hs, ok := m.healthMon.Status(w.WorkerID); ok {
			healthViews[w.WorkerID] = hs
		}
	}

	handles := make([]model.WorkerHandle, 0, len(workers))
	for _, w := range workers {
		handles = append(handles, *w)
	}

	snap := Snapshot{
		Workers:     handles,
		Statuses:    statuses,
		Health:      healthViews,
		Alerts:      m.alertMgr.Snapshot(),
		Beads:       beadList,
		Suggestions: suggestions,
		GeneratedAt: now,
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	return snap, nil
}

// Current returns the most recently produced Snapshot without running a
// new tick.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// applyHealthToAlerts raises or clears alerts from each worker's latest
// health check results, translating CheckResult.ErrorKind into the
// matching AlertType via errorKindToAlert. When several checks fail for
// the same worker, only the failed check with the highest
// model.AlertPriority raises an alert; the others are cleared.
func (m *Manager) applyHealthToAlerts(workers []*model.WorkerHandle) {
	for _, w := range workers {
		hs, ok := m.healthMon.Status(w.WorkerID)
		if !ok {
			continue
		}
		var top model.AlertType
		for _, r := range hs.CheckResults {
			if alertType, ok := errorKindToAlert(r.CheckType); ok && !r.Passed {
				if top == "" || model.AlertPriority[alertType] < model.AlertPriority[top] {
					top = alertType
				}
			}
		}
		for _, r := range hs.CheckResults {
			alertType, ok := errorKindToAlert(r.CheckType)
			if !ok {
				continue
			}
			if alertType != top {
				m.alertMgr.Clear(w.WorkerID, alertType)
				continue
			}
			m.alertMgr.Raise(w.WorkerID, alertType, severityFor(alertType), r.Message)
		}
	}
}

func errorKindToAlert(check model.CheckType) (model.AlertType, bool) {
	switch check {
	case model.CheckPidExists:
		return model.AlertWorkerCrashed, true
	case model.CheckActivityFresh:
		return model.AlertWorkerStale, true
	case model.CheckTaskProgress:
		return model.AlertTaskStuck, true
	case model.CheckMemoryUsage:
		return model.AlertMemoryHigh, true
	case model.CheckResponseProbe:
		return model.AlertWorkerUnresponsive, true
	default:
		return "", false
	}
}

// recordCompletedTasks diffs each worker's self-reported TasksCompleted
// counter against the value seen on the previous tick and records one
// task_events row per newly completed task. Event IDs are derived from
// the worker ID and completion ordinal, so a restart that replays the
// same tick twice never double-counts.
func (m *Manager) recordCompletedTasks(now time.Time, statuses map[string]model.WorkerStatus) {
	for workerID, ws := range statuses {
		prev := m.prevTasksCompleted[workerID]
		if ws.TasksCompleted <= prev {
			continue
		}
		for i := prev; i < ws.TasksCompleted; i++ {
			ev := model.TaskEvent{
				ID:          fmt.Sprintf("%s-%d", workerID, i+1),
				WorkerID:    workerID,
				Model:       ws.Model,
				CompletedAt: now,
			}
			if err := m.led.RecordTaskEvent(ev); err != nil {
				m.log.Warn("recording task event", "worker_id", workerID, "error", err)
			}
		}
		m.prevTasksCompleted[workerID] = ws.TasksCompleted
	}
}

// rollupLedger recomputes and persists every ledger rollup so the
// recent-stats, trend, and per-model cost queries always reflect the
// latest tick's api_calls and task_events rows.
func (m *Manager) rollupLedger(now time.Time) error {
	if _, err := m.led.AggregateHourlyStats(now); err != nil {
		return fmt.Errorf("aggregating hourly stats: %w", err)
	}
	if _, err := m.led.AggregateDailyStats(now); err != nil {
		return fmt.Errorf("aggregating daily stats: %w", err)
	}
	tasksCompleted, err := m.led.TasksCompletedByWorker()
	if err != nil {
		return fmt.Errorf("counting completed tasks: %w", err)
	}
	if _, err := m.led.AggregateWorkerEfficiency(tasksCompleted); err != nil {
		return fmt.Errorf("aggregating worker efficiency: %w", err)
	}
	if _, err := m.led.AggregateModelPerformance(); err != nil {
		return fmt.Errorf("aggregating model performance: %w", err)
	}
	return nil
}

func severityFor(t model.AlertType) model.Severity {
	switch t {
	case model.AlertWorkerCrashed:
		return model.SeverityCritical
	case model.AlertWorkerStale, model.AlertTaskStuck:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

// freeWorkers returns workers currently Idle with no current task, capped
// so the total live worker count never exceeds MaxConcurrentWorkers.
func (m *Manager) freeWorkers(workers []*model.WorkerHandle, statuses map[string]model.WorkerStatus) []router.FreeWorker {
	var free []router.FreeWorker
	for _, w := range workers {
		ws, ok := statuses[w.WorkerID]
		if !ok || ws.Status != model.StatusIdle || ws.CurrentTask != nil {
			continue
		}
		free = append(free, router.FreeWorker{WorkerID: w.WorkerID, Tier: w.Tier})
	}
	if m.cfg.MaxConcurrentWorkers > 0 {
		headroom := m.cfg.MaxConcurrentWorkers - len(workers) + len(free)
		if headroom < 0 {
			headroom = 0
		}
		if headroom < len(free) {
			free = free[:headroom]
		}
	}
	return free
}

// readyBeads implements spec's ready ⟺ status=open ∧ ∀d∈depends_on.
// status(d)=closed. A circular depends_on chain is not treated specially
// here: a bead in a cycle is ready once it is open and every bead it
// lists is closed. Cycles are reported separately by beads.DetectCycles.
func readyBeads(all []model.Bead) []model.Bead {
	statusByID := make(map[string]model.BeadStatus, len(all))
	for _, b := range all {
		statusByID[b.ID] = b.Status
	}

	var ready []model.Bead
	for _, b := range all {
		if b.Status != model.BeadOpen {
			continue
		}
		allClosed := true
		for _, dep := range b.DependsOn {
			if statusByID[dep] != model.BeadClosed {
				allClosed = false
				break
			}
		}
		if allClosed {
			ready = append(ready, b)
		}
	}
	return ready
}

func (m *Manager) publishWorkerGauge(workers []*model.WorkerHandle) {
	counts := make(map[model.Tier]int)
	for _, w := range workers {
		counts[w.Tier]++
	}
	for _, tier := range []model.Tier{model.TierPremium, model.TierStandard, model.TierBudget} {
		metrics.WorkersTotal.WithLabelValues(string(tier), "active").Set(float64(counts[tier]))
	}
}
