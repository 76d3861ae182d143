package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	appconfig "tickerflow/config"
)

func TestThrottleEnforcesMinInterval(t *testing.T) {
	const interval = 30 * time.Millisecond
	g := New(appconfig.ThrottleConfig{MinInterval: interval, PenaltyMultiplier: 2})

	var permits []time.Time
	for i := 0; i < 5; i++ {
		if err := g.Throttle(context.Background()); err != nil {
			t.Fatalf("throttle: %v", err)
		}
		permits = append(permits, time.Now())
	}
	for i := 1; i < len(permits); i++ {
		if gap := permits[i].Sub(permits[i-1]); gap < interval-time.Millisecond {
			t.Fatalf("permits %d and %d only %s apart, want >= %s", i-1, i, gap, interval)
		}
	}
}

func TestThrottleFirstPermitIsImmediate(t *testing.T) {
	g := New(appconfig.ThrottleConfig{MinInterval: time.Hour})
	start := time.Now()
	if err := g.Throttle(context.Background()); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("first permit should not wait")
	}
}

func TestThrottleUnlimited(t *testing.T) {
	g := New(appconfig.ThrottleConfig{})
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := g.Throttle(context.Background()); err != nil {
			t.Fatalf("throttle: %v", err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("unlimited governor should not block")
	}
}

func TestThrottleRespectsContext(t *testing.T) {
	g := New(appconfig.ThrottleConfig{MinInterval: time.Hour})
	if err := g.Throttle(context.Background()); err != nil {
		t.Fatalf("first throttle: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Throttle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPenalizeDelaysNextPermit(t *testing.T) {
	g := New(appconfig.ThrottleConfig{DefaultPenalty: 40 * time.Millisecond, MaxPenalty: time.Second, PenaltyMultiplier: 2})
	if err := g.Throttle(context.Background()); err != nil {
		t.Fatalf("throttle: %v", err)
	}

	applied := g.Penalize(0)
	if applied != 40*time.Millisecond {
		t.Fatalf("applied penalty = %s", applied)
	}

	start := time.Now()
	if err := g.Throttle(context.Background()); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if waited := time.Since(start); waited < 35*time.Millisecond {
		t.Fatalf("penalty not applied, waited %s", waited)
	}
}

func TestPenaltyGrowsAndResets(t *testing.T) {
	g := New(appconfig.ThrottleConfig{DefaultPenalty: 10 * time.Millisecond, MaxPenalty: 35 * time.Millisecond, PenaltyMultiplier: 2})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := g.Penalize(0); got != w {
			t.Fatalf("penalty %d = %s, want %s", i, got, w)
		}
	}

	g.Relax()
	if got := g.Penalize(0); got != 10*time.Millisecond {
		t.Fatalf("penalty after relax = %s", got)
	}
}

func TestPenalizeHonoursRetryAfter(t *testing.T) {
	g := New(appconfig.ThrottleConfig{DefaultPenalty: time.Minute, MaxPenalty: 5 * time.Minute, PenaltyMultiplier: 2})
	if got := g.Penalize(7 * time.Second); got != 7*time.Second {
		t.Fatalf("retry-after not honoured: %s", got)
	}
	if got := g.Penalize(time.Hour); got != 5*time.Minute {
		t.Fatalf("retry-after not capped: %s", got)
	}
	if got := g.Penalize(0); got != time.Minute {
		t.Fatalf("server hints must not advance the adaptive penalty: %s", got)
	}
}
