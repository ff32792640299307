// Package manager implements the Account Manager (spec §4.F): owns the
// account set for the process lifetime and coordinates the Store,
// Health Tracker, Token Bucket, and Selector.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opencode-plugins/codex-switch/internal/account"
	"github.com/opencode-plugins/codex-switch/internal/bucket"
	apperrors "github.com/opencode-plugins/codex-switch/internal/pkg/errors"
	"github.com/opencode-plugins/codex-switch/internal/health"
	"github.com/opencode-plugins/codex-switch/internal/selector"
)

// SaveDebounce is the §9 "Debounced persistence" coalescing window.
const SaveDebounce = 1 * time.Second

// MinRefreshSkew is how much slack ensure_access_token leaves before an
// access token's stated expiry; tokens inside this window are refreshed
// proactively rather than used until the server rejects them.
const MinRefreshSkew = 60 * time.Second

// Store is the persistence dependency (internal/store.Store satisfies
// this, declared narrowly here so the Manager never imports back into
// a concrete Store type beyond what it needs — §9's Store/Manager
// acyclic-dependency note).
type Store interface {
	Load() (account.Set, error)
	Save(account.Set) error
}

// TokenRefresher is the Token Service dependency used by
// ensure_access_token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiryMS int64, err error)
	DecodeAccountID(accessToken string) (accountID, email string)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Config configures a Manager.
type Config struct {
	Strategy selector.Strategy
	Health   health.Config
	Bucket   bucket.Config
	Clock    Clock
	Logger   *slog.Logger
}

// Manager is the single owner of the account set, Health Tracker, and
// Token Bucket for the process lifetime. All exported methods are safe
// for concurrent use.
type Manager struct {
	store    Store
	tokens   TokenRefresher
	strategy selector.Strategy
	health   *health.Tracker
	bucket   *bucket.Bucket
	clock    Clock
	log      *slog.Logger

	mu      sync.Mutex
	set     account.Set
	loaded  bool

	saveMu      sync.Mutex
	saveTimer   *time.Timer
	savePending bool
}

// New constructs a Manager. Load happens lazily on first use (§4.F
// "Loads lazily and idempotently").
func New(store Store, tokens TokenRefresher, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = selector.Hybrid
	}
	if cfg.Health == (health.Config{}) {
		cfg.Health = health.DefaultConfig()
	}
	if cfg.Bucket == (bucket.Config{}) {
		cfg.Bucket = bucket.DefaultConfig()
	}
	return &Manager{
		store:    store,
		tokens:   tokens,
		strategy: cfg.Strategy,
		health:   health.New(cfg.Health),
		bucket:   bucket.New(cfg.Bucket),
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
}

func (m *Manager) nowMS() int64 { return m.clock().UnixMilli() }

// ensureLoaded loads the account set from the Store exactly once,
// idempotently. Caller must hold m.mu.
func (m *Manager) ensureLoaded() error {
	if m.loaded {
		return nil
	}
	set, err := m.store.Load()
	if err != nil && !apperrors.IsStorageCorrupt(err) {
		return err
	}
	m.set = set
	m.loaded = true
	return nil
}

// reload re-reads the account set from disk, as add_account requires
// (the OAuth flow may complete in another process before this one's
// first load).
func (m *Manager) reload() error {
	set, err := m.store.Load()
	if err != nil && !apperrors.IsStorageCorrupt(err) {
		return err
	}
	m.set = set
	m.loaded = true
	return nil
}

// strategyFor returns the effective strategy: the Manager forces
// sticky when the pool has exactly one account, regardless of
// configuration (§4.E "Single-account mode").
func (m *Manager) strategyFor() selector.Strategy {
	if len(m.set.Accounts) == 1 {
		return selector.Sticky
	}
	return m.strategy
}

// AddAccount implements §4.F add_account.
func (m *Manager) AddAccount(accessToken, refreshToken string, expiryMS int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reload(); err != nil {
		return 0, err
	}

	accountID, email := m.tokens.DecodeAccountID(accessToken)
	now := m.nowMS()

	candidate := account.Account{
		AccountID:         accountID,
		Email:             email,
		RefreshToken:      refreshToken,
		AccessToken:       accessToken,
		AccessTokenExpiry: expiryMS,
		AddedAt:           now,
		LastUsed:          now,
		Enabled:           true,
	}

	for i := range m.set.Accounts {
		if m.set.Accounts[i].Same(candidate) {
			m.set.Accounts[i].RefreshToken = refreshToken
			m.set.Accounts[i].AccessToken = accessToken
			m.set.Accounts[i].AccessTokenExpiry = expiryMS
			if accountID != "" {
				m.set.Accounts[i].AccountID = accountID
			}
			if email != "" {
				m.set.Accounts[i].Email = email
			}
			m.set.Accounts[i].Enabled = true
			m.set.Accounts[i].RateLimitResetTime = 0
			m.set.Accounts[i].RateLimitReason = ""
			m.set.Accounts[i].ConsecutiveFailures = 0
			m.health.Reset(i)
			if err := m.store.Save(m.set); err != nil {
				return 0, err
			}
			return i, nil
		}
	}

	m.set.Accounts = append(m.set.Accounts, candidate)
	idx := len(m.set.Accounts) - 1
	if idx == 0 {
		m.set.ActiveIndex = 0
	}
	if err := m.store.Save(m.set); err != nil {
		return 0, err
	}
	return idx, nil
}

// SelectAccount implements §4.F select_account. The returned index is
// the account's position at selection time; callers pass it back to
// EnsureAccessToken/RecordSuccess/MarkRateLimited/RecordFailure. A nil
// account return means NO_ACCOUNTS.
func (m *Manager) SelectAccount() (*account.Account, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		m.log.Error("account set load failed during select", "error", err)
		return nil, -1
	}
	if len(m.set.Accounts) == 0 {
		return nil, -1
	}

	now := m.nowMS()
	metrics := make([]selector.AccountMetrics, 0, len(m.set.Accounts))
	for i, a := range m.set.Accounts {
		metrics = append(metrics, selector.AccountMetrics{
			Index:         i,
			LastUsed:      a.LastUsed,
			HealthScore:   m.health.GetScore(i),
			IsRateLimited: m.isRateLimitedLocked(i, now),
			Enabled:       a.Enabled,
		})
	}

	idx := selector.Select(m.strategyFor(), metrics, m.bucket, m.set.ActiveIndex, now)
	if idx < 0 {
		idx = m.fallbackLocked()
		if idx < 0 {
			return nil, -1
		}
	}

	if idx != m.set.ActiveIndex {
		m.log.Info("active account switched", "from", m.set.ActiveIndex, "to", idx)
	}
	m.set.ActiveIndex = idx

	chosen := m.set.Accounts[idx]
	return &chosen, idx
}

// fallbackLocked picks the enabled account with the smallest
// rate_limit_reset_time (ties: smaller index), per §4.E's fallback
// rule. Caller must hold m.mu.
func (m *Manager) fallbackLocked() int {
	best := -1
	var bestReset int64
	for i, a := range m.set.Accounts {
		if !a.Enabled {
			continue
		}
		reset := a.RateLimitResetTime
		if best < 0 || reset < bestReset {
			best = i
			bestReset = reset
		}
	}
	return best
}

// isRateLimitedLocked implements §4.F is_rate_limited, including its
// side effect of clearing a stale reset time. Caller must hold m.mu.
func (m *Manager) isRateLimitedLocked(i int, now int64) bool {
	a := &m.set.Accounts[i]
	if a.RateLimitResetTime == 0 {
		return false
	}
	if now >= a.RateLimitResetTime {
		a.RateLimitResetTime = 0
		a.RateLimitReason = ""
		return false
	}
	return true
}

// EnsureAccessToken implements §4.F ensure_access_token.
func (m *Manager) EnsureAccessToken(ctx context.Context, idx int) *account.Account {
	m.mu.Lock()
	if idx < 0 || idx >= len(m.set.Accounts) {
		m.mu.Unlock()
		return nil
	}
	a := m.set.Accounts[idx]
	now := m.nowMS()
	if a.AccessToken != "" && a.AccessTokenExpiry > now+MinRefreshSkew.Milliseconds() {
		m.mu.Unlock()
		return &a
	}
	m.mu.Unlock()

	accessToken, newRefresh, expiryMS, err := m.tokens.Refresh(ctx, a.RefreshToken)
	if err != nil {
		refreshErr := apperrors.TokenRefreshFailed(err.Error())
		m.log.Warn("token refresh failed, recording failure and rotating", "index", idx, "error", refreshErr)
		m.recordFailureInternal(idx)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= len(m.set.Accounts) {
		return nil
	}
	cur := &m.set.Accounts[idx]
	cur.AccessToken = accessToken
	cur.AccessTokenExpiry = expiryMS
	if newRefresh != "" {
		cur.RefreshToken = newRefresh
	}
	if cur.AccountID == "" {
		accountID, email := m.tokens.DecodeAccountID(accessToken)
		if accountID != "" {
			cur.AccountID = accountID
		}
		if email != "" && cur.Email == "" {
			cur.Email = email
		}
	}
	m.scheduleSave()

	out := *cur
	return &out
}

// RecordSuccess implements §4.F record_success.
func (m *Manager) RecordSuccess(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.set.Accounts) {
		return
	}
	a := &m.set.Accounts[idx]
	a.LastUsed = m.nowMS()
	a.ConsecutiveFailures = 0
	m.health.RecordSuccess(idx)
	m.bucket.Consume(idx, 1)
	m.scheduleSave()
}

// backoffSeconds implements the §4.F backoff table.
func backoffSeconds(reason account.RateLimitReason, consecutiveFailures int) int64 {
	var s int64
	switch reason {
	case account.UsageLimitReached:
		table := []int64{60, 300, 1800}
		n := consecutiveFailures
		if n > 2 {
			n = 2
		}
		if n < 0 {
			n = 0
		}
		s = table[n]
	case account.RateLimitExceeded:
		s = 30
	case account.ServerError:
		s = 20
	default:
		s = 60
	}
	if s < 2 {
		s = 2
	}
	return s
}

// MarkRateLimited implements §4.F mark_rate_limited.
func (m *Manager) MarkRateLimited(idx int, reason account.RateLimitReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.set.Accounts) {
		return
	}
	a := &m.set.Accounts[idx]
	backoff := backoffSeconds(reason, a.ConsecutiveFailures)
	a.RateLimitResetTime = m.nowMS() + backoff*1000
	a.RateLimitReason = reason
	a.ConsecutiveFailures++
	m.health.RecordRateLimit(idx)
	m.scheduleSave()
}

// RecordFailure implements §4.F record_failure.
func (m *Manager) RecordFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFailureLocked(idx)
}

func (m *Manager) recordFailureInternal(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFailureLocked(idx)
}

func (m *Manager) recordFailureLocked(idx int) {
	if idx < 0 || idx >= len(m.set.Accounts) {
		return
	}
	a := &m.set.Accounts[idx]
	a.ConsecutiveFailures++
	m.health.RecordFailure(idx)
	if a.ConsecutiveFailures >= account.MaxConsecutiveFailures {
		a.Enabled = false
		m.log.Warn("account disabled after consecutive failures", "index", idx, "failures", a.ConsecutiveFailures)
	}
	m.scheduleSave()
}

// scheduleSave arms the 1s debounced save described in §9 "Debounced
// persistence". Caller must hold m.mu; the timer fires independently.
func (m *Manager) scheduleSave() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.savePending = true
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(SaveDebounce, m.flush)
}

func (m *Manager) flush() {
	m.mu.Lock()
	set := m.set
	m.mu.Unlock()

	m.saveMu.Lock()
	m.savePending = false
	m.saveMu.Unlock()

	if err := m.store.Save(set); err != nil {
		m.log.Error("debounced account save failed", "error", err)
	}
}

// Flush synchronously persists the account set, cancelling any pending
// debounced save. Callers invoke this on process shutdown (§9).
func (m *Manager) Flush() error {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	pending := m.savePending
	m.savePending = false
	m.saveMu.Unlock()

	if !pending {
		return nil
	}

	m.mu.Lock()
	set := m.set
	m.mu.Unlock()
	return m.store.Save(set)
}

// Snapshot returns a copy of the current account set, for diagnostics
// and tests.
func (m *Manager) Snapshot() account.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := account.Set{Accounts: append([]account.Account(nil), m.set.Accounts...), ActiveIndex: m.set.ActiveIndex}
	return out
}
