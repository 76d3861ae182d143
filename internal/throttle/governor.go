// Package throttle spaces requests to an API with a fixed minimum interval and
// an adaptive penalty applied after rate limit signals.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "tickerflow/config"
)

// Governor gates fetches. A permit is taken at the moment Throttle returns, so
// the gap between two permits is never shorter than the minimum interval.
type Governor struct {
	mu sync.Mutex

	limiter     *rate.Limiter
	minInterval time.Duration

	defaultPenalty time.Duration
	maxPenalty     time.Duration
	multiplier     float64

	nextPenalty  time.Duration
	penaltyUntil time.Time

	now func() time.Time
}

// New builds a governor from throttle settings. A zero minimum interval
// disables spacing.
func New(cfg appconfig.ThrottleConfig) *Governor {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	multiplier := cfg.PenaltyMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxPenalty := cfg.MaxPenalty
	if maxPenalty < cfg.DefaultPenalty {
		maxPenalty = cfg.DefaultPenalty
	}
	return &Governor{
		limiter:        rate.NewLimiter(limit, 1),
		minInterval:    cfg.MinInterval,
		defaultPenalty: cfg.DefaultPenalty,
		maxPenalty:     maxPenalty,
		multiplier:     multiplier,
		nextPenalty:    cfg.DefaultPenalty,
		now:            time.Now,
	}
}

// MinInterval returns the configured spacing between permits.
func (g *Governor) MinInterval() time.Duration { return g.minInterval }

// Throttle blocks until a fetch may be issued or ctx is done.
func (g *Governor) Throttle(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		wait := g.penaltyUntil.Sub(now)
		if wait <= 0 {
			if g.limiter.AllowN(now, 1) {
				g.mu.Unlock()
				return nil
			}
			wait = g.tokenWait(now)
		}
		g.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tokenWait estimates how long until a token is available. Callers hold mu.
func (g *Governor) tokenWait(now time.Time) time.Duration {
	missing := 1 - g.limiter.TokensAt(now)
	if missing <= 0 {
		return time.Millisecond
	}
	wait := time.Duration(missing * float64(g.minInterval))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// Penalize delays the next permit after a rate limit signal. A positive
// retryAfter from the server is honoured as-is; otherwise the penalty starts
// at the default and grows by the multiplier on consecutive signals, capped
// at the maximum. It returns the applied delay.
func (g *Governor) Penalize(retryAfter time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	delay := retryAfter
	if delay <= 0 {
		delay = g.nextPenalty
		next := time.Duration(float64(g.nextPenalty) * g.multiplier)
		if next > g.maxPenalty {
			next = g.maxPenalty
		}
		g.nextPenalty = next
	}
	if delay > g.maxPenalty && g.maxPenalty > 0 {
		delay = g.maxPenalty
	}

	until := g.now().Add(delay)
	if until.After(g.penaltyUntil) {
		g.penaltyUntil = until
	}
	return delay
}

// Relax resets the adaptive penalty after a successful fetch.
func (g *Governor) Relax() {
	g.mu.Lock()
	g.nextPenalty = g.defaultPenalty
	g.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
