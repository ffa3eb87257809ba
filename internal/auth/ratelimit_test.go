package auth

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowsUntilThreshold(t *testing.T) {
	ctx := context.Background()
	lim := NewMemoryLimiter(BackoffParams{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})

	for i := 0; i < 3; i++ {
		res, err := lim.Check(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("Check() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d: Allowed = false, want true", i)
		}
		if err := lim.Record(ctx, "1.2.3.4"); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	res, err := lim.Check(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("after threshold: Allowed = true, want false")
	}
	if !res.RetryAt.After(time.Now()) {
		t.Fatalf("RetryAt = %v, want in the future", res.RetryAt)
	}
}

func TestMemoryLimiterResetClearsLockout(t *testing.T) {
	ctx := context.Background()
	lim := NewMemoryLimiter(BackoffParams{MaxAttempts: 1, BaseBackoff: time.Minute, MaxBackoff: time.Minute})

	if err := lim.Record(ctx, "5.5.5.5"); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := lim.Record(ctx, "5.5.5.5"); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	res, _ := lim.Check(ctx, "5.5.5.5")
	if res.Allowed {
		t.Fatalf("Allowed = true before reset, want false")
	}

	if err := lim.Reset(ctx, "5.5.5.5"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	res, err := lim.Check(ctx, "5.5.5.5")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("Allowed = false after reset, want true")
	}
}

func TestBackoffParamsDoublesAndCaps(t *testing.T) {
	p := BackoffParams{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 0},
		{2, 0},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{10, 10 * time.Second}, // capped
	}
	for _, c := range cases {
		got := p.backoffFor(c.attempts)
		if got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}
