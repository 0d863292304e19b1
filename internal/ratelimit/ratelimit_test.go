package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestAdmit_UnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	lim := Limits{PerMinute: 3}

	for i := 0; i < 3; i++ {
		d, err := l.Admit(context.Background(), "key-1", lim)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
}

func TestAdmit_BlocksOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	lim := Limits{PerMinute: 2}

	for i := 0; i < 2; i++ {
		if d, _ := l.Admit(context.Background(), "key-1", lim); !d.Allowed {
			t.Fatalf("warm-up request %d rejected", i+1)
		}
	}

	d, err := l.Admit(context.Background(), "key-1", lim)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if d.Allowed {
		t.Fatal("third request should be rejected")
	}
	if d.Dimension != DimMinute {
		t.Errorf("expected minute dimension, got %s", d.Dimension)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("retry-after must be the window remainder, got %v", d.RetryAfter)
	}
}

func TestAdmit_RejectIncrementsNothing(t *testing.T) {
	l, _ := newTestLimiter(t)
	// The hour window has room but the minute window is exhausted; neither
	// counter may move on a reject.
	lim := Limits{PerMinute: 1, PerHour: 100}

	if d, _ := l.Admit(context.Background(), "key-1", lim); !d.Allowed {
		t.Fatal("first request rejected")
	}
	for i := 0; i < 5; i++ {
		if d, _ := l.Admit(context.Background(), "key-1", lim); d.Allowed {
			t.Fatal("over-limit request admitted")
		}
	}

	// A different subject is unaffected.
	if d, _ := l.Admit(context.Background(), "key-2", lim); !d.Allowed {
		t.Error("independent subject should be admitted")
	}
}

func TestAdmit_SubjectsIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	lim := Limits{PerMinute: 1}

	if d, _ := l.Admit(context.Background(), "a", lim); !d.Allowed {
		t.Fatal("a rejected")
	}
	if d, _ := l.Admit(context.Background(), "b", lim); !d.Allowed {
		t.Fatal("b should have its own window")
	}
}

func TestAdmit_ZeroMeansUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 50; i++ {
		if d, _ := l.Admit(context.Background(), "key-1", Limits{}); !d.Allowed {
			t.Fatal("unlimited subject rejected")
		}
	}
}

func TestAdmit_NilLimiterAllows(t *testing.T) {
	var l *Limiter
	d, err := l.Admit(context.Background(), "key-1", Limits{PerMinute: 1})
	if err != nil || !d.Allowed {
		t.Errorf("nil limiter must admit, got %+v %v", d, err)
	}
}

func TestAdmit_RedisDownAllows(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	d, err := l.Admit(context.Background(), "key-1", Limits{PerMinute: 1})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !d.Allowed {
		t.Error("unreachable redis must degrade to allow")
	}
}

func TestConcurrency_AcquireRelease(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 2; i++ {
		ok, err := l.AcquireConcurrency(context.Background(), "key-1", 2)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i+1, ok, err)
		}
	}

	ok, err := l.AcquireConcurrency(context.Background(), "key-1", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("third slot should be denied")
	}

	l.ReleaseConcurrency(context.Background(), "key-1")

	ok, _ = l.AcquireConcurrency(context.Background(), "key-1", 2)
	if !ok {
		t.Error("slot should be reusable after release")
	}
}

func TestConcurrency_ReleaseNeverGoesNegative(t *testing.T) {
	l, _ := newTestLimiter(t)

	// Releases without acquires must not bank extra slots.
	l.ReleaseConcurrency(context.Background(), "key-1")
	l.ReleaseConcurrency(context.Background(), "key-1")

	if ok, _ := l.AcquireConcurrency(context.Background(), "key-1", 1); !ok {
		t.Fatal("first acquire rejected")
	}
	if ok, _ := l.AcquireConcurrency(context.Background(), "key-1", 1); ok {
		t.Error("limit 1 should deny the second acquire")
	}
}

func TestConcurrency_SafetyTTL(t *testing.T) {
	l, mr := newTestLimiter(t)

	if ok, _ := l.AcquireConcurrency(context.Background(), "key-1", 1); !ok {
		t.Fatal("acquire rejected")
	}
	// A crashed holder never releases; the slot must expire on its own.
	mr.FastForward(concurrencySafetyTTL + time.Second)

	if ok, _ := l.AcquireConcurrency(context.Background(), "key-1", 1); !ok {
		t.Error("slot should be reclaimed after the safety TTL")
	}
}

func TestConcurrency_ZeroLimitUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 10; i++ {
		if ok, _ := l.AcquireConcurrency(context.Background(), "key-1", 0); !ok {
			t.Fatal("zero limit must not constrain")
		}
	}
}

func TestWindowRemainder(t *testing.T) {
	now := time.Unix(90, 0) // 30s into a minute window
	if got := windowRemainder(now, time.Minute); got != 30*time.Second {
		t.Errorf("expected 30s remainder, got %v", got)
	}
}
