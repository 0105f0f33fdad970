package model

import "time"

// Severity ranks an alert for UI presentation.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityWarning  Severity = "Warning"
	SeverityInfo     Severity = "Info"
)

// AlertType names what condition raised the alert. These map 1:1 to health
// check failures, ordered here by the priority datamanager applies when
// multiple checks fail for the same worker in a single sweep (only the
// highest-priority failure raises an alert):
// WorkerCrashed > WorkerStale > TaskStuck > MemoryHigh > WorkerUnresponsive.
type AlertType string

const (
	AlertWorkerCrashed     AlertType = "WorkerCrashed"
	AlertWorkerStale       AlertType = "WorkerStale"
	AlertTaskStuck         AlertType = "TaskStuck"
	AlertMemoryHigh        AlertType = "MemoryHigh"
	AlertWorkerUnresponsive AlertType = "WorkerUnresponsive"
)

// AlertPriority orders alert types from most to least severe. Lower number
// wins when multiple checks fail for the same worker in one sweep.
var AlertPriority = map[AlertType]int{
	AlertWorkerCrashed:      0,
	AlertWorkerStale:        1,
	AlertTaskStuck:          2,
	AlertMemoryHigh:         3,
	AlertWorkerUnresponsive: 4,
}

// AlertKey is the deduplication key for an alert: at most one unacknowledged
// Alert exists per (WorkerID, AlertType) pair at any time.
type AlertKey struct {
	WorkerID  string
	AlertType AlertType
}

// Alert is a user-visible, deduplicated notification derived from a health
// event. The ID is stable for the alert's lifetime and exists only for UI
// acknowledgement; internal lookups always use the (WorkerID, AlertType) key.
type Alert struct {
	ID             string
	WorkerID       string
	AlertType      AlertType
	Severity       Severity
	Message        string
	RaisedAt       time.Time
	Acknowledged   bool
	AcknowledgedAt time.Time
}
