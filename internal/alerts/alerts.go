// Package alerts turns health events into a deduplicated, prioritized
// alert set. At most one unacknowledged alert exists per (worker_id,
// alert_type) key at any time — the same mutex-guarded seen-map shape as
// the teacher's event dedup, keyed here by alert identity instead of
// event id so a repeated failure updates rather than duplicates.
package alerts

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"forge/internal/metrics"
	"forge/internal/model"
)

// Manager owns the current alert set.
type Manager struct {
	mu     sync.Mutex
	active map[model.AlertKey]*model.Alert // unacknowledged, live
	closed []*model.Alert                  // acknowledged, retained for audit
	now    func() time.Time
}

// New creates an alert Manager.
func New() *Manager {
	return &Manager{
		active: make(map[model.AlertKey]*model.Alert),
		now:    time.Now,
	}
}

// Raise inserts a new alert or, if an unacknowledged alert with the same
// key already exists, updates its raised_at and message in place.
func (m *Manager) Raise(workerID string, alertType model.AlertType, severity model.Severity, message string) model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.AlertsRaisedTotal.WithLabelValues(string(alertType)).Inc()

	key := model.AlertKey{WorkerID: workerID, AlertType: alertType}
	if existing, ok := m.active[key]; ok {
		existing.RaisedAt = m.now()
		existing.Message = message
		existing.Severity = severity
		m.publishGauge()
		return *existing
	}

	a := &model.Alert{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		RaisedAt:  m.now(),
	}
	m.active[key] = a
	m.publishGauge()
	return *a
}

// publishGauge recomputes the active-alerts-by-severity gauge. Called
// with mu held.
func (m *Manager) publishGauge() {
	counts := map[model.Severity]float64{}
	for _, a := range m.active {
		counts[a.Severity]++
	}
	for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityWarning, model.SeverityInfo} {
		metrics.AlertsActive.WithLabelValues(string(sev)).Set(counts[sev])
	}
}

// Clear removes the matching unacknowledged alert, typically called when
// the corresponding check passes again. A no-op if no such alert exists.
func (m *Manager) Clear(workerID string, alertType model.AlertType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, model.AlertKey{WorkerID: workerID, AlertType: alertType})
	m.publishGauge()
}

// Acknowledge marks an alert acknowledged: it moves out of the active set
// into the audit-retained closed list and is excluded from badge counts.
func (m *Manager) Acknowledge(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.active {
		if a.ID == alertID {
			a.Acknowledged = true
			a.AcknowledgedAt = m.now()
			m.closed = append(m.closed, a)
			delete(m.active, key)
			m.publishGauge()
			return true
		}
	}
	return false
}

// Snapshot returns all active (unacknowledged) alerts, ordered by
// priority (lower model.AlertPriority value first) then by raised_at.
func (m *Manager) Snapshot() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := model.AlertPriority[out[i].AlertType], model.AlertPriority[out[j].AlertType]
		if pi != pj {
			return pi < pj
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}
