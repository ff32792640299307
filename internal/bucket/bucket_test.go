package bucket

import (
	"testing"
	"time"
)

func testBucket(initial time.Time) (*Bucket, *time.Time) {
	cur := initial
	b := New(DefaultConfig())
	b.now = func() time.Time { return cur }
	return b, &cur
}

func TestConsumeSucceedsWhenEnough(t *testing.T) {
	b, _ := testBucket(time.Now())
	if !b.Consume(0, 10) {
		t.Fatalf("Consume(10) = false, want true (bucket starts full)")
	}
	if got := b.GetTokens(0); got != DefaultConfig().InitialTokens-10 {
		t.Errorf("GetTokens after consume = %v, want %v", got, DefaultConfig().InitialTokens-10)
	}
}

func TestConsumeFailsWhenInsufficient(t *testing.T) {
	b, _ := testBucket(time.Now())
	if b.Consume(0, DefaultConfig().MaxTokens+1) {
		t.Fatalf("Consume(> max) = true, want false")
	}
	if got := b.GetTokens(0); got != DefaultConfig().InitialTokens {
		t.Errorf("GetTokens after failed consume = %v, want unchanged %v", got, DefaultConfig().InitialTokens)
	}
}

func TestRegenerationBoundedByMax(t *testing.T) {
	b, clock := testBucket(time.Now())
	b.Consume(0, DefaultConfig().MaxTokens) // drain fully
	*clock = clock.Add(10 * time.Hour)
	if got := b.GetTokens(0); got != DefaultConfig().MaxTokens {
		t.Errorf("GetTokens after long regen = %v, want clamped to %v", got, DefaultConfig().MaxTokens)
	}
}

func TestRegenerationOverTime(t *testing.T) {
	b, clock := testBucket(time.Now())
	b.Consume(0, 30) // 50 -> 20
	*clock = clock.Add(1 * time.Minute)
	if got := b.GetTokens(0); got != 26 {
		t.Errorf("GetTokens after 1 minute = %v, want 26", got)
	}
}

func TestNonDecreasingWithoutWrite(t *testing.T) {
	b, clock := testBucket(time.Now())
	b.Consume(0, 40)
	prev := b.GetTokens(0)
	for i := 0; i < 5; i++ {
		*clock = clock.Add(time.Minute)
		cur := b.GetTokens(0)
		if cur < prev {
			t.Fatalf("tokens decreased without a write: %v -> %v", prev, cur)
		}
		if cur > DefaultConfig().MaxTokens {
			t.Fatalf("tokens exceeded max: %v", cur)
		}
		prev = cur
	}
}

func TestRefundCapsAtMax(t *testing.T) {
	b, _ := testBucket(time.Now())
	b.Refund(0, 1000)
	if got := b.GetTokens(0); got != DefaultConfig().MaxTokens {
		t.Errorf("GetTokens after large refund = %v, want capped at %v", got, DefaultConfig().MaxTokens)
	}
}
