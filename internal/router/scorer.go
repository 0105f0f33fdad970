// Package router scores ready beads and matches them to free workers by
// tier. Scoring is a pure function of bead state (spec.md §4.6); routing
// only suggests — the act of assignment happens externally through the
// issue CLI.
package router

import (
	"time"

	"forge/internal/config"
	"forge/internal/model"
)

// Scorer computes TaskScore for beads using configurable weights, mirroring
// the teacher's label-matching approach in advice.MatchesSubscriptions
// (label-set membership test) applied here to the critical-label bonus.
type Scorer struct {
	cfg *config.Config
	now func() time.Time
}

// NewScorer creates a Scorer using cfg's weights. now defaults to time.Now.
func NewScorer(cfg *config.Config) *Scorer {
	return &Scorer{cfg: cfg, now: time.Now}
}

// Score computes a bead's TaskScore, clamped to [0, 100].
func (s *Scorer) Score(b model.Bead) model.TaskScore {
	priorityPoints := 0
	if b.Priority >= 0 && b.Priority < len(s.cfg.PriorityWeights) {
		priorityPoints = s.cfg.PriorityWeights[b.Priority]
	}

	blockersPoints := s.cfg.BlockerPoints * len(b.Blocks)
	if blockersPoints > s.cfg.BlockerCap {
		blockersPoints = s.cfg.BlockerCap
	}

	ageDays := 0
	if !b.CreatedAt.IsZero() {
		ageDays = int(s.now().Sub(b.CreatedAt).Hours() / 24)
	}
	agePoints := s.cfg.AgePointsPerDay * ageDays
	if agePoints > s.cfg.AgeCap {
		agePoints = s.cfg.AgeCap
	}
	if agePoints < 0 {
		agePoints = 0
	}

	labelPoints := 0
	if hasCriticalLabel(b.Labels, s.cfg.CriticalLabels) {
		labelPoints = s.cfg.LabelBonus
	}

	total := priorityPoints + blockersPoints + agePoints + labelPoints
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	return model.TaskScore{
		BeadID:         b.ID,
		PriorityPoints: priorityPoints,
		BlockersPoints: blockersPoints,
		AgePoints:      agePoints,
		LabelPoints:    labelPoints,
		Total:          total,
	}
}

// hasCriticalLabel reports whether labels intersects critical, using a set
// membership test in the same style as advice.MatchesSubscriptions.
func hasCriticalLabel(labels, critical []string) bool {
	set := make(map[string]bool, len(critical))
	for _, c := range critical {
		set[c] = true
	}
	for _, l := range labels {
		if set[l] {
			return true
		}
	}
	return false
}
