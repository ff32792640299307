// Package selector implements the Selector (spec §4.E): the policy
// layer that picks an account index from a snapshot of account metrics
// plus live token-bucket state.
package selector

import (
	"sort"
)

// Strategy names the selection policy.
type Strategy string

const (
	Sticky     Strategy = "sticky"
	RoundRobin Strategy = "round-robin"
	Hybrid     Strategy = "hybrid"
)

// MinHealthScore is the hybrid candidate filter's health floor.
const MinHealthScore = 50

// SwitchThreshold is the hybrid anti-flap advantage required to switch
// away from the active account.
const SwitchThreshold = 100

// StickinessBonus is added to the active candidate's score.
const StickinessBonus = 150

// AccountMetrics is a read-only snapshot of one account's selection
// inputs (spec §4.E).
type AccountMetrics struct {
	Index         int
	LastUsed      int64 // ms epoch; 0 if never used
	HealthScore   float64
	IsRateLimited bool
	Enabled       bool
}

// TokenSource reports live token-bucket state without requiring the
// Selector to import the bucket package directly.
type TokenSource interface {
	GetTokens(i int) float64
	MaxTokens() float64
}

// Select returns the index of the chosen account, or -1 if no account
// qualifies under strategy. now is the wall-clock time used to compute
// freshness; pass time.Now().UnixMilli() in production and a fixed
// value in tests.
func Select(strategy Strategy, metrics []AccountMetrics, tokens TokenSource, activeIndex int, nowMS int64) int {
	switch strategy {
	case Sticky:
		return selectSticky(metrics, activeIndex)
	case RoundRobin:
		return selectRoundRobin(metrics, activeIndex)
	default:
		return selectHybrid(metrics, tokens, activeIndex, nowMS)
	}
}

func eligibleSticky(m AccountMetrics) bool {
	return m.Enabled && !m.IsRateLimited
}

func selectSticky(metrics []AccountMetrics, activeIndex int) int {
	var filtered []AccountMetrics
	for _, m := range metrics {
		if eligibleSticky(m) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return -1
	}
	for _, m := range filtered {
		if m.Index == activeIndex {
			return m.Index
		}
	}
	return filtered[0].Index
}

func selectRoundRobin(metrics []AccountMetrics, activeIndex int) int {
	var filtered []AccountMetrics
	for _, m := range metrics {
		if eligibleSticky(m) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return -1
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Index < filtered[j].Index })

	if activeIndex < 0 {
		return filtered[0].Index
	}
	for i, m := range filtered {
		if m.Index == activeIndex {
			return filtered[(i+1)%len(filtered)].Index
		}
	}
	return filtered[0].Index
}

type scored struct {
	metrics AccountMetrics
	base    float64
	score   float64
}

func selectHybrid(metrics []AccountMetrics, tokens TokenSource, activeIndex int, nowMS int64) int {
	maxTokens := 1.0
	if tokens != nil {
		if mt := tokens.MaxTokens(); mt > 0 {
			maxTokens = mt
		}
	}

	var candidates []scored
	for _, m := range metrics {
		if !m.Enabled || m.IsRateLimited || m.HealthScore < MinHealthScore {
			continue
		}
		var tok float64
		if tokens != nil {
			tok = tokens.GetTokens(m.Index)
		}
		if tok < 1 {
			continue
		}

		secsSinceUse := float64(nowMS-m.LastUsed) / 1000.0
		if m.LastUsed == 0 {
			secsSinceUse = 3600
		}
		if secsSinceUse > 3600 {
			secsSinceUse = 3600
		}
		if secsSinceUse < 0 {
			secsSinceUse = 0
		}

		base := 2*m.HealthScore + 5*(100*tok/maxTokens) + 0.1*secsSinceUse
		score := base
		if m.Index == activeIndex {
			score += StickinessBonus
		}
		candidates = append(candidates, scored{metrics: m, base: base, score: score})
	}

	if len(candidates) == 0 {
		return -1
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].metrics.Index < candidates[j].metrics.Index
	})

	best := candidates[0]
	if best.metrics.Index == activeIndex {
		return best.metrics.Index
	}

	var activeBase float64
	var activeFound bool
	for _, c := range candidates {
		if c.metrics.Index == activeIndex {
			activeBase = c.base
			activeFound = true
			break
		}
	}
	if !activeFound {
		// The active account is not itself a candidate (disabled, rate
		// limited, or out of tokens); nothing to damp against.
		return best.metrics.Index
	}

	if best.base-activeBase > SwitchThreshold {
		return best.metrics.Index
	}
	return activeIndex
}
