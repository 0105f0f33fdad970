// Package model holds the entities shared across FORGE's components:
// workers, health, alerts, beads, and API call records. Nothing in this
// package touches the filesystem or a process; it is pure data.
package model

import (
	"strings"
	"time"
)

// WorkerStatusValue is the lifecycle state of a worker, as reported in its
// status file.
type WorkerStatusValue string

const (
	StatusStarting WorkerStatusValue = "Starting"
	StatusActive   WorkerStatusValue = "Active"
	StatusIdle     WorkerStatusValue = "Idle"
	StatusPaused   WorkerStatusValue = "Paused"
	StatusFailed   WorkerStatusValue = "Failed"
	StatusStopped  WorkerStatusValue = "Stopped"
	StatusError    WorkerStatusValue = "Error"
)

// Tier is a worker's capability class, derived from its model name.
type Tier string

const (
	TierPremium  Tier = "Premium"
	TierStandard Tier = "Standard"
	TierBudget   Tier = "Budget"
)

// CurrentTask is the task a worker is presently assigned, if any.
type CurrentTask struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
}

// WorkerStatus is the on-disk representation of a worker's state, written
// atomically (write-temp-then-rename) by the launcher or the worker itself.
// FORGE's core never writes this file — it only reads it.
type WorkerStatus struct {
	WorkerID       string            `json:"worker_id"`
	Status         WorkerStatusValue `json:"status"`
	Model          string            `json:"model,omitempty"`
	Workspace      string            `json:"workspace,omitempty"`
	PID            int               `json:"pid"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivity   time.Time         `json:"last_activity"`
	CurrentTask    *CurrentTask      `json:"current_task,omitempty"`
	TasksCompleted int               `json:"tasks_completed,omitempty"`
	Tier           Tier              `json:"tier,omitempty"`

	// SourcePath is not part of the JSON wire format — it records which
	// file this status was parsed from, for error reporting.
	SourcePath string `json:"-"`
}

// WorkerHandle is the supervisor's in-memory record of a live worker
// process. The supervisor exclusively owns handles; other components hold
// read-only borrows keyed by WorkerID.
type WorkerHandle struct {
	WorkerID    string
	SessionName string
	PID         int
	Tier        Tier
	Model       string
	Workspace   string
	SpawnedAt   time.Time
}

// TierForModel derives a capability tier from a model name substring match,
// mirroring the launcher-name-pattern derivation in discover().
func TierForModel(model string) Tier {
	switch {
	case containsAny(model, "opus"):
		return TierPremium
	case containsAny(model, "sonnet", "glm"):
		return TierStandard
	case containsAny(model, "haiku"):
		return TierBudget
	default:
		return TierStandard
	}
}

func containsAny(s string, subs ...string) bool {
	low := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(low, sub) {
			return true
		}
	}
	return false
}
