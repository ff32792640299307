// Package bucket implements the Token Bucket (spec §4.D): per-account
// client-side admission control with continuous, fractional
// regeneration.
package bucket

import (
	"sync"
	"time"
)

// Config holds the tunables named in §4.D.
type Config struct {
	MaxTokens             float64
	InitialTokens         float64
	RegenerationPerMinute float64
}

// DefaultConfig returns the §4.D defaults.
func DefaultConfig() Config {
	return Config{MaxTokens: 50, InitialTokens: 50, RegenerationPerMinute: 6}
}

type state struct {
	tokens      float64
	lastUpdated time.Time
}

// Bucket holds one state slot per account index, guarded so that
// consume is atomic: a concurrent reader never observes a torn
// read-modify-write.
type Bucket struct {
	cfg Config
	mu  sync.Mutex
	st  map[int]*state
	now func() time.Time
}

// New returns a Bucket configured with cfg.
func New(cfg Config) *Bucket {
	return &Bucket{cfg: cfg, st: make(map[int]*state), now: time.Now}
}

func (b *Bucket) entry(i int) *state {
	s, ok := b.st[i]
	if !ok {
		s = &state{tokens: b.cfg.InitialTokens, lastUpdated: b.now()}
		b.st[i] = s
	}
	return s
}

func (b *Bucket) effective(s *state) float64 {
	minutes := b.now().Sub(s.lastUpdated).Minutes()
	regenerated := s.tokens + minutes*b.cfg.RegenerationPerMinute
	if regenerated > b.cfg.MaxTokens {
		return b.cfg.MaxTokens
	}
	if regenerated < 0 {
		return 0
	}
	return regenerated
}

// GetTokens returns the current, regeneration-adjusted token count.
func (b *Bucket) GetTokens(i int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effective(b.entry(i))
}

// HasTokens reports whether index i currently holds at least cost
// tokens, without mutating state.
func (b *Bucket) HasTokens(i int, cost float64) bool {
	return b.GetTokens(i) >= cost
}

// Consume atomically debits cost tokens from index i if available.
// Returns false without mutation if insufficient tokens are present.
func (b *Bucket) Consume(i int, cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(i)
	current := b.effective(s)
	if current < cost {
		return false
	}
	s.tokens = current - cost
	s.lastUpdated = b.now()
	return true
}

// Refund credits amount tokens back to index i, capped at MaxTokens.
func (b *Bucket) Refund(i int, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(i)
	current := b.effective(s)
	next := current + amount
	if next > b.cfg.MaxTokens {
		next = b.cfg.MaxTokens
	}
	s.tokens = next
	s.lastUpdated = b.now()
}

// MaxTokens returns the configured capacity.
func (b *Bucket) MaxTokens() float64 { return b.cfg.MaxTokens }

// Remove drops any tracked state for index i.
func (b *Bucket) Remove(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.st, i)
}
