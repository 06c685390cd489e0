package tiersync

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter enforces a fixed-window allowance per identity on top of a
// QuotaStore. The check-and-increment is atomic inside the store, so two
// simultaneous requests that both observe count = limit-1 cannot both pass.
type RateLimiter struct {
	store  QuotaStore
	config Config
}

// NewRateLimiter creates a rate limiter over the given quota store.
func NewRateLimiter(store QuotaStore, config Config) (*RateLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	return &RateLimiter{store: store, config: config.normalize()}, nil
}

// Allow consumes one unit of the identity's window allowance.
//
// LimitUnlimited short-circuits before any store write: unlimited tiers are
// recorded for analytics but never counted. Store failures are returned as-is;
// callers decide the failure posture (TierGate fails closed).
func (l *RateLimiter) Allow(ctx context.Context, id Identity, limit int, window time.Duration) (*Decision, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("identity is required")
	}

	if limit == LimitUnlimited {
		l.config.Metrics.RecordUnlimitedBypass(id.Kind)
		return &Decision{Allowed: true, Remaining: LimitUnlimited}, nil
	}
	if limit <= 0 {
		// A zero allowance denies immediately without creating a window.
		l.config.Metrics.RecordRateLimitCheck(id.Kind, false)
		now := l.config.Now().UTC()
		return &Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(window)}, nil
	}

	now := l.config.Now().UTC()
	start := time.Now()
	rec, allowed, err := l.store.IncrWindow(ctx, id, limit, window, now)
	l.config.Metrics.RecordStoreOperation("quota_incr", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	l.config.Metrics.RecordRateLimitCheck(id.Kind, allowed)

	remaining := limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	dec := &Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   rec.WindowStart.Add(window),
	}
	if !allowed {
		l.config.Logger.Debug("rate limit denied",
			Field{Key: "identity", Value: id.Key()},
			Field{Key: "limit", Value: limit},
			Field{Key: "reset_at", Value: dec.ResetAt})
	}
	return dec, nil
}

// AllowForTier consumes allowance using the tier's daily limit for
// authenticated identities and the fixed anonymous allowance for devices.
func (l *RateLimiter) AllowForTier(ctx context.Context, id Identity, tier Tier) (*Decision, error) {
	if id.Kind == IdentityDevice {
		return l.Allow(ctx, id, l.config.AnonymousLimit, l.config.AnonymousWindow)
	}
	caps := l.config.capabilities(tier)
	return l.Allow(ctx, id, caps.DailyLimit, l.config.WindowLength)
}
