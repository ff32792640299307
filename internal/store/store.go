// Package store implements the Account Store (spec §4.B): durable,
// atomic, deduplicating persistence of the account set to a single JSON
// file.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencode-plugins/codex-switch/internal/account"
	apperrors "github.com/opencode-plugins/codex-switch/internal/pkg/errors"
)

const schemaVersion = 1

// storedAccount mirrors account.Account minus the runtime-only index,
// matching the §4.B on-disk schema.
type storedAccount struct {
	AccountID           string                  `json:"accountId,omitempty"`
	Email               string                  `json:"email,omitempty"`
	RefreshToken        string                  `json:"refreshToken"`
	AccessToken         string                  `json:"accessToken,omitempty"`
	AccessTokenExpiry   int64                   `json:"accessTokenExpiry,omitempty"`
	AddedAt             int64                   `json:"addedAt"`
	LastUsed            int64                   `json:"lastUsed"`
	Enabled             bool                    `json:"enabled"`
	RateLimitResetTime  int64                   `json:"rateLimitResetTime,omitempty"`
	RateLimitReason     account.RateLimitReason `json:"rateLimitReason,omitempty"`
	ConsecutiveFailures int                     `json:"consecutiveFailures,omitempty"`
}

type document struct {
	Version     int             `json:"version"`
	Accounts    []storedAccount `json:"accounts"`
	ActiveIndex int             `json:"activeIndex"`
}

func toStored(a account.Account) storedAccount {
	return storedAccount{
		AccountID:           a.AccountID,
		Email:               a.Email,
		RefreshToken:        a.RefreshToken,
		AccessToken:         a.AccessToken,
		AccessTokenExpiry:   a.AccessTokenExpiry,
		AddedAt:             a.AddedAt,
		LastUsed:            a.LastUsed,
		Enabled:             a.Enabled,
		RateLimitResetTime:  a.RateLimitResetTime,
		RateLimitReason:     a.RateLimitReason,
		ConsecutiveFailures: a.ConsecutiveFailures,
	}
}

func fromStored(s storedAccount) account.Account {
	return account.Account{
		AccountID:           s.AccountID,
		Email:               s.Email,
		RefreshToken:        s.RefreshToken,
		AccessToken:         s.AccessToken,
		AccessTokenExpiry:   s.AccessTokenExpiry,
		AddedAt:             s.AddedAt,
		LastUsed:            s.LastUsed,
		Enabled:             s.Enabled,
		RateLimitResetTime:  s.RateLimitResetTime,
		RateLimitReason:     s.RateLimitReason,
		ConsecutiveFailures: s.ConsecutiveFailures,
	}
}

// Store is the sole writer of the on-disk account set file. It is a
// pure value-in/value-out module (§9 "cyclic dependency between
// Manager and Store" design note): it never holds a reference back to
// the Manager.
type Store struct {
	path string
	log  *slog.Logger
}

// New returns a Store bound to path, the conventional
// <config-dir>/codex-switch-accounts.json location (§6).
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, log: logger}
}

// Load reads and parses the storage file. A missing file yields an
// empty, valid Set rather than an error. Items with a missing/empty
// refresh_token are discarded; duplicates are coalesced by the newest
// last_used; activeIndex is clamped into range.
func (s *Store) Load() (account.Set, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return account.Set{}, nil
		}
		return account.Set{}, fmt.Errorf("read account store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		// The file is unparseable JSON; distinct from STORAGE_CORRUPT,
		// which is reserved for JSON that parses but has no accounts array.
		return account.Set{}, fmt.Errorf("parse account store: %w", err)
	}

	if doc.Accounts == nil {
		s.log.Warn("account store corrupt: no accounts array", "path", s.path)
		return account.Set{}, apperrors.StorageCorrupt("account store has no accounts array")
	}

	accounts := make([]account.Account, 0, len(doc.Accounts))
	for _, sa := range doc.Accounts {
		accounts = append(accounts, fromStored(sa))
	}
	accounts = account.Dedup(accounts)

	set := account.Set{Accounts: accounts, ActiveIndex: doc.ActiveIndex}
	set.Normalize()
	return set, nil
}

// Save serialises set with stable indentation and replaces the target
// file atomically: write to a randomly-suffixed sibling temp file, then
// rename over the target. The temp file is removed on any error.
func (s *Store) Save(set account.Set) error {
	set.Normalize()

	doc := document{
		Version:     schemaVersion,
		Accounts:    make([]storedAccount, 0, len(set.Accounts)),
		ActiveIndex: set.ActiveIndex,
	}
	for _, a := range set.Accounts {
		doc.Accounts = append(doc.Accounts, toStored(a))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create account store dir: %w", err)
	}
	if err := ensureIgnoreEntries(dir, filepath.Base(s.path)); err != nil {
		s.log.Debug("could not update ignore file", "error", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp account store: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp account store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp account store: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		s.log.Debug("could not chmod account store", "error", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace account store: %w", err)
	}

	return nil
}

// ensureIgnoreEntries best-effort appends the storage filename and its
// temp-file glob to a .gitignore in dir, if one already exists and does
// not already list them.
func ensureIgnoreEntries(dir, baseName string) error {
	ignorePath := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(ignorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	entries := []string{baseName, baseName + ".*.tmp"}
	existing := string(data)
	var toAdd []string
	for _, e := range entries {
		if !containsLine(existing, e) {
			toAdd = append(toAdd, e)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	f, err := os.OpenFile(ignorePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if !strings.HasSuffix(existing, "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	for _, e := range toAdd {
		if _, err := f.WriteString(e + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func containsLine(body, line string) bool {
	for _, l := range strings.Split(body, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}
