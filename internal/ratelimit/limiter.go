// Package ratelimit bounds submission velocity per purpose along four
// independent dimensions — address, address block, session and network
// origin — so no single actor can flood the system even while rotating
// the others.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/leadguard/internal/config"
	"github.com/wudi/leadguard/internal/logging"
	"github.com/wudi/leadguard/internal/store"
)

// Dimension identifies one rate-limited axis.
type Dimension string

const (
	DimensionIP      Dimension = "ip"
	DimensionSubnet  Dimension = "subnet"
	DimensionSession Dimension = "session"
	DimensionASN     Dimension = "asn"
)

// Result is the outcome of one rate-limit check. It is produced once
// per evaluation and never mutated afterwards.
type Result struct {
	Exceeded bool
	Reasons  []Dimension
	Counts   map[Dimension]int64
}

// Limiter maintains short-window submission counters in the shared
// store. Atomicity is the store's job; the limiter holds no locks.
type Limiter struct {
	store      store.Store
	window     time.Duration
	failClosed bool
	limitsFor  func(purpose string) config.Limits
	metrics    *Metrics
}

// New creates a Limiter. When failClosed is false (the default policy)
// store failures are treated as "not exceeded" so a transient cache
// outage never blocks a legitimate user; failClosed flips that for
// deployments that prefer security over availability.
func New(cfg config.RateLimitConfig, limitsFor func(purpose string) config.Limits, st store.Store) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Limiter{
		store:      st,
		window:     window,
		failClosed: cfg.FailMode == "closed",
		limitsFor:  limitsFor,
		metrics:    &Metrics{},
	}
}

// Window returns the configured counting window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check increments the counter for every present dimension and reports
// the ones whose configured limit is now exceeded. Submitting exactly
// `limit` times within the window never trips a dimension; submission
// limit+1 does.
func (l *Limiter) Check(ctx context.Context, purpose, ip, subnet, session, asn string) Result {
	l.metrics.Checks.Add(1)

	limits := l.limitsFor(purpose)
	res := Result{Counts: make(map[Dimension]int64, 4)}

	l.bump(ctx, &res, purpose, DimensionIP, ip, limits.IP)
	l.bump(ctx, &res, purpose, DimensionSubnet, subnet, limits.Subnet)
	l.bump(ctx, &res, purpose, DimensionASN, asn, limits.ASN)
	l.bump(ctx, &res, purpose, DimensionSession, session, limits.Session)

	res.Exceeded = len(res.Reasons) > 0
	if res.Exceeded {
		l.metrics.Exceeded.Add(1)
	}
	return res
}

func (l *Limiter) bump(ctx context.Context, res *Result, purpose string, dim Dimension, value string, limit int) {
	// A missing value or a zero limit disables the dimension.
	if value == "" || limit <= 0 {
		return
	}

	key := "lead:rl:" + purpose + ":" + string(dim) + ":" + value
	count, err := l.store.IncrWithTTL(ctx, key, l.window)
	if err != nil {
		l.metrics.StoreErrors.Add(1)
		if l.failClosed {
			logging.Warn("rate limit store unavailable, failing closed",
				zap.String("purpose", purpose),
				zap.String("dimension", string(dim)),
				zap.Error(err),
			)
			res.Reasons = append(res.Reasons, dim)
			return
		}
		logging.Warn("rate limit store unavailable, failing open",
			zap.String("purpose", purpose),
			zap.String("dimension", string(dim)),
			zap.Error(err),
		)
		return
	}

	res.Counts[dim] = count
	if count > int64(limit) {
		res.Reasons = append(res.Reasons, dim)
	}
}

// Status returns the limiter's counters for the admin surface.
func (l *Limiter) Status() Status {
	return Status{
		Window:      l.window.String(),
		FailClosed:  l.failClosed,
		Checks:      l.metrics.Checks.Load(),
		Exceeded:    l.metrics.Exceeded.Load(),
		StoreErrors: l.metrics.StoreErrors.Load(),
	}
}
