// Package health implements the Health Tracker (spec §4.C): a per-account
// wellness score that recovers linearly over time and is penalised on
// rate limits and failures.
package health

import (
	"math"
	"sync"
	"time"
)

// Config holds the tunables named in §4.C.
type Config struct {
	Initial              float64
	MaxScore             float64
	MinUsable            float64
	SuccessReward        float64
	RateLimitPenalty     float64
	FailurePenalty       float64
	RecoveryRatePerHour  float64
}

// DefaultConfig returns the §4.C defaults.
func DefaultConfig() Config {
	return Config{
		Initial:             70,
		MaxScore:            100,
		MinUsable:           50,
		SuccessReward:       1,
		RateLimitPenalty:    -10,
		FailurePenalty:      -20,
		RecoveryRatePerHour: 2,
	}
}

type state struct {
	score       float64
	lastUpdated time.Time
}

// Tracker holds one state slot per account index. All operations are
// safe for concurrent use; the read-modify-write of a given index's
// score is serialised by a per-tracker mutex (the account set size is
// small enough that a single lock does not become a bottleneck).
type Tracker struct {
	cfg Config
	mu  sync.Mutex
	st  map[int]*state
	now func() time.Time
}

// New returns a Tracker configured with cfg.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, st: make(map[int]*state), now: time.Now}
}

func (t *Tracker) entry(i int) *state {
	s, ok := t.st[i]
	if !ok {
		s = &state{score: t.cfg.Initial, lastUpdated: t.now()}
		t.st[i] = s
	}
	return s
}

// effective applies time-based recovery on read without persisting it:
// min(max_score, stored + floor(hours_elapsed * recovery_rate)).
func (t *Tracker) effective(s *state) float64 {
	hours := t.now().Sub(s.lastUpdated).Hours()
	recovered := s.score + math.Floor(hours*t.cfg.RecoveryRatePerHour)
	return clamp(recovered, 0, t.cfg.MaxScore)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetScore returns the current, recovery-adjusted score for index i.
func (t *Tracker) GetScore(i int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective(t.entry(i))
}

// IsUsable reports whether index i's score is at least MinUsable.
func (t *Tracker) IsUsable(i int) bool {
	return t.GetScore(i) >= t.cfg.MinUsable
}

func (t *Tracker) write(i int, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(i)
	next := clamp(t.effective(s)+delta, 0, t.cfg.MaxScore)
	s.score = next
	s.lastUpdated = t.now()
}

// RecordSuccess applies the success reward to index i.
func (t *Tracker) RecordSuccess(i int) { t.write(i, t.cfg.SuccessReward) }

// RecordRateLimit applies the rate-limit penalty to index i.
func (t *Tracker) RecordRateLimit(i int) { t.write(i, t.cfg.RateLimitPenalty) }

// RecordFailure applies the failure penalty to index i.
func (t *Tracker) RecordFailure(i int) { t.write(i, t.cfg.FailurePenalty) }

// Reset returns index i to the configured initial score.
func (t *Tracker) Reset(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st[i] = &state{score: t.cfg.Initial, lastUpdated: t.now()}
}

// Remove drops any tracked state for index i, e.g. when the account set
// is reloaded and indices are renumbered.
func (t *Tracker) Remove(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.st, i)
}
