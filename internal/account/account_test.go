package account

import "testing"

func TestSameByRefreshToken(t *testing.T) {
	a := Account{RefreshToken: "rt-1", AccountID: "acc-a"}
	b := Account{RefreshToken: "rt-1", AccountID: "acc-b"}
	if !a.Same(b) {
		t.Errorf("Same() = false, want true: equal refresh tokens")
	}
}

func TestSameByAccountID(t *testing.T) {
	a := Account{RefreshToken: "rt-1", AccountID: "acc-x"}
	b := Account{RefreshToken: "rt-2", AccountID: "acc-x"}
	if !a.Same(b) {
		t.Errorf("Same() = false, want true: equal account IDs")
	}
}

func TestSameDistinct(t *testing.T) {
	a := Account{RefreshToken: "rt-1", AccountID: "acc-x"}
	b := Account{RefreshToken: "rt-2", AccountID: "acc-y"}
	if a.Same(b) {
		t.Errorf("Same() = true, want false")
	}
}

func TestValid(t *testing.T) {
	if (Account{}).Valid() {
		t.Errorf("Valid() = true for empty refresh token, want false")
	}
	if !(Account{RefreshToken: "rt"}).Valid() {
		t.Errorf("Valid() = false for non-empty refresh token, want true")
	}
}

func TestIsRateLimited(t *testing.T) {
	a := Account{RateLimitResetTime: 1000}
	if !a.IsRateLimited(500) {
		t.Errorf("IsRateLimited(500) = false, want true (reset in the future)")
	}
	if a.IsRateLimited(1000) {
		t.Errorf("IsRateLimited(1000) = true, want false (reset has passed)")
	}
	if (Account{}).IsRateLimited(9999) {
		t.Errorf("IsRateLimited with no reset time = true, want false")
	}
}

func TestDedupKeepsNewestLastUsed(t *testing.T) {
	accounts := []Account{
		{RefreshToken: "rt-1", LastUsed: 10},
		{RefreshToken: "rt-1", LastUsed: 20},
		{RefreshToken: "rt-2", LastUsed: 5},
	}
	out := Dedup(accounts)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].LastUsed != 20 {
		t.Errorf("out[0].LastUsed = %d, want 20 (the newest duplicate)", out[0].LastUsed)
	}
}

func TestDedupDropsInvalid(t *testing.T) {
	accounts := []Account{
		{RefreshToken: ""},
		{RefreshToken: "rt-1"},
	}
	out := Dedup(accounts)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
}

func TestSetNormalize(t *testing.T) {
	s := Set{Accounts: nil, ActiveIndex: 4}
	s.Normalize()
	if s.ActiveIndex != 0 {
		t.Errorf("ActiveIndex = %d, want 0 for empty set", s.ActiveIndex)
	}

	s2 := Set{Accounts: []Account{{RefreshToken: "rt"}}, ActiveIndex: 9}
	s2.Normalize()
	if s2.ActiveIndex != 0 {
		t.Errorf("ActiveIndex = %d, want 0 (out-of-range clamped)", s2.ActiveIndex)
	}
}

func TestDedupIdempotent(t *testing.T) {
	// Dedup applied to its own output changes nothing: running it twice
	// yields the same accounts in the same order.
	accounts := []Account{
		{RefreshToken: "rt-1", LastUsed: 1},
		{RefreshToken: "rt-2", LastUsed: 2},
	}
	once := Dedup(accounts)
	twice := Dedup(once)
	if len(once) != len(twice) {
		t.Fatalf("Dedup is not idempotent: %d != %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("Dedup(Dedup(x))[%d] != Dedup(x)[%d]", i, i)
		}
	}
}
