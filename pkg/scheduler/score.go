package scheduler

import (
	"sort"

	"github.com/loomctl/loom/pkg/types"
)

// resourceCeiling excludes workers with any resource at or above this
// utilization from candidacy.
const resourceCeiling = 90.0

// Scoring weights per selection criterion
const (
	weightTool     = 0.5
	weightHeadroom = 0.3
	weightPrivacy  = 0.2
)

// Score computes the placement score of a worker for a subtask:
// 0.5·tool_match + 0.3·resource_headroom + 0.2·privacy_fit.
func Score(w *types.Worker, sub *types.Subtask, privacy types.PrivacyLevel, preferred []string) float64 {
	return weightTool*toolMatch(w, sub.RecommendedTool, preferred) +
		weightHeadroom*headroom(w) +
		weightPrivacy*privacyFit(w, privacy)
}

// toolMatch is 1 when the worker offers the recommended tool, 0.5 when it
// offers an acceptable alternative, 0 otherwise.
func toolMatch(w *types.Worker, recommended string, preferred []string) float64 {
	if recommended != "" && w.HasTool(recommended) {
		return 1
	}
	if len(preferred) > 0 {
		for _, t := range preferred {
			if w.HasTool(t) {
				return 0.5
			}
		}
		return 0
	}
	if len(w.Tools) > 0 {
		return 0.5
	}
	return 0
}

// headroom is 1 minus the worker's highest resource utilization
func headroom(w *types.Worker) float64 {
	h := 1 - w.Resources.Max()/100
	if h < 0 {
		return 0
	}
	if h > 1 {
		return 1
	}
	return h
}

// privacyFit is 1 when residency matches the task's privacy level
// (sensitive tasks want local workers), 0.5 otherwise.
func privacyFit(w *types.Worker, privacy types.PrivacyLevel) float64 {
	if privacy == types.PrivacySensitive && w.Residency != types.ResidencyLocal {
		return 0.5
	}
	return 1
}

// Eligible reports whether the worker may receive work at all
func Eligible(w *types.Worker) bool {
	return w.Resources.Max() < resourceCeiling
}

// SelectWorker picks the best candidate for a subtask. avoid is excluded
// unless it is the only capable candidate; prefer is chosen outright when
// present (corrections go back to their author). Ties break by ascending
// load, then registration time.
func SelectWorker(candidates []*types.Worker, sub *types.Subtask, privacy types.PrivacyLevel, preferred []string, avoid, prefer string) *types.Worker {
	pool := make([]*types.Worker, 0, len(candidates))
	for _, w := range candidates {
		if !Eligible(w) {
			continue
		}
		if prefer != "" && w.ID == prefer {
			return w
		}
		pool = append(pool, w)
	}
	if len(pool) == 0 {
		return nil
	}

	if avoid != "" && len(pool) > 1 {
		filtered := pool[:0]
		for _, w := range pool {
			if w.ID != avoid {
				filtered = append(filtered, w)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		si, sj := Score(pool[i], sub, privacy, preferred), Score(pool[j], sub, privacy, preferred)
		if si != sj {
			return si > sj
		}
		if pool[i].Load != pool[j].Load {
			return pool[i].Load < pool[j].Load
		}
		return pool[i].RegisteredAt.Before(pool[j].RegisteredAt)
	})
	return pool[0]
}
