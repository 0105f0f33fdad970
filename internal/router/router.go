package router

import (
	"sort"

	"forge/internal/config"
	"forge/internal/metrics"
	"forge/internal/model"
)

// FreeWorker is the subset of worker state the router needs to consider a
// worker a routing candidate: Idle status, no current task.
type FreeWorker struct {
	WorkerID string
	Tier     model.Tier
}

// Router matches ready beads to free workers by tier, in descending score
// order, suggesting at most MaxSpawnsPerPass new assignments per pass —
// the same burst-limiting shape as the teacher's Reconciler.Reconcile
// (CoopBurstLimit), generalized from "pods created" to "workers suggested".
type Router struct {
	cfg    *config.Config
	scorer *Scorer
}

// New creates a Router.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg, scorer: NewScorer(cfg)}
}

// desiredTier maps a bead's priority to the tier that should handle it.
// {P0,P1} -> Premium, P2 -> Standard, P3,P4 -> Budget.
func desiredTier(priority int) model.Tier {
	switch {
	case priority <= 1:
		return model.TierPremium
	case priority == 2:
		return model.TierStandard
	default:
		return model.TierBudget
	}
}

// fallbackOrder is the tier search order when the desired tier has no free
// worker: Premium -> Standard -> Budget -> any.
var fallbackOrder = []model.Tier{model.TierPremium, model.TierStandard, model.TierBudget}

// Route produces routing suggestions for ready beads against free workers.
// Beads are considered in descending total-score order; ties break by
// smaller bead ID for reproducibility. At most MaxSpawnsPerPass
// suggestions are returned, matching the teacher's burst-limit pattern.
func (r *Router) Route(ready []model.Bead, free []FreeWorker) []model.Suggestion {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RoutingPassDuration)
	metrics.BeadsReady.Set(float64(len(ready)))

	type scored struct {
		bead  model.Bead
		score model.TaskScore
	}
	scoredBeads := make([]scored, 0, len(ready))
	for _, b := range ready {
		scoredBeads = append(scoredBeads, scored{bead: b, score: r.scorer.Score(b)})
	}
	sort.Slice(scoredBeads, func(i, j int) bool {
		if scoredBeads[i].score.Total != scoredBeads[j].score.Total {
			return scoredBeads[i].score.Total > scoredBeads[j].score.Total
		}
		return scoredBeads[i].bead.ID < scoredBeads[j].bead.ID
	})

	byTier := make(map[model.Tier][]FreeWorker)
	for _, w := range free {
		byTier[w.Tier] = append(byTier[w.Tier], w)
	}

	limit := r.cfg.MaxSpawnsPerPass
	var suggestions []model.Suggestion
	for _, sb := range scoredBeads {
		if limit > 0 && len(suggestions) >= limit {
			break
		}
		want := desiredTier(sb.bead.Priority)
		workerID, reason, ok := pickWorker(byTier, want)
		if !ok {
			continue
		}
		metrics.SuggestionsTotal.WithLabelValues(string(reason)).Inc()
		suggestions = append(suggestions, model.Suggestion{
			BeadID:   sb.bead.ID,
			WorkerID: workerID,
			Reason:   reason,
			Score:    sb.score,
		})
	}
	return suggestions
}

// pickWorker pops the first free worker of the desired tier, falling back
// through Premium -> Standard -> Budget -> any remaining tier.
func pickWorker(byTier map[model.Tier][]FreeWorker, want model.Tier) (string, model.RoutingReason, bool) {
	if ws := byTier[want]; len(ws) > 0 {
		id := ws[0].WorkerID
		byTier[want] = ws[1:]
		return id, model.ReasonPriorityMatch, true
	}
	for _, tier := range fallbackOrder {
		if tier == want {
			continue
		}
		if ws := byTier[tier]; len(ws) > 0 {
			id := ws[0].WorkerID
			byTier[tier] = ws[1:]
			reason := model.ReasonFallback
			if tier != model.TierPremium {
				reason = model.ReasonCostOptimization
			}
			return id, reason, true
		}
	}
	// Any remaining tier not covered above (defensive; fallbackOrder covers
	// all three known tiers, so this only matters if new tiers are added).
	for tier, ws := range byTier {
		if len(ws) > 0 {
			id := ws[0].WorkerID
			byTier[tier] = ws[1:]
			return id, model.ReasonAvailability, true
		}
	}
	return "", "", false
}
