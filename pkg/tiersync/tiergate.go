package tiersync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// defaultMaxStaleness bounds how old a cached entitlement may be when it is
// served in place of a failing store read.
const defaultMaxStaleness = 5 * time.Minute

// TierGate decides whether an identity may perform a feature. It reads the
// reconciled entitlement, consults the static capability table and, for
// quota-bound features, consumes window allowance through the RateLimiter.
//
// Failure posture is closed: when the entitlement store errors the gate serves
// the last cached record if it is fresh enough, otherwise it treats the caller
// as free-tier with the anonymous allowance. Store errors never grant
// unlimited access.
type TierGate struct {
	entitlements EntitlementStore
	limiter      *RateLimiter
	cache        *entitlementCache
	config       Config
	maxStaleness time.Duration
}

// NewTierGate creates a gate over the given entitlement store and limiter.
func NewTierGate(entitlements EntitlementStore, limiter *RateLimiter, config Config) (*TierGate, error) {
	if entitlements == nil {
		return nil, fmt.Errorf("entitlement store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	return &TierGate{
		entitlements: entitlements,
		limiter:      limiter,
		cache:        newEntitlementCache(0),
		config:       config.normalize(),
		maxStaleness: defaultMaxStaleness,
	}, nil
}

// CheckAccess resolves the identity's effective tier and decides the feature
// request. The returned decision always carries the tier and, on denial, a
// human-readable upgrade reason; quota denials also carry the window reset
// time so the client can render a countdown.
func (t *TierGate) CheckAccess(ctx context.Context, id Identity, feature string) (*AccessDecision, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("identity is required")
	}
	if feature == "" {
		return nil, fmt.Errorf("feature is required")
	}

	now := t.config.Now().UTC()
	tier, degraded := t.resolveTier(ctx, id, now)
	caps := t.config.capabilities(tier)

	if !caps.Features[feature] {
		dec := &AccessDecision{
			Allowed:       false,
			Tier:          tier,
			Remaining:     0,
			UpgradeReason: t.upgradeReason(feature, tier),
		}
		t.config.Metrics.RecordAccessCheck(feature, false)
		return dec, nil
	}

	if !t.config.QuotaFeatures[feature] {
		t.config.Metrics.RecordAccessCheck(feature, true)
		return &AccessDecision{Allowed: true, Tier: tier, Remaining: LimitUnlimited}, nil
	}

	var quota *Decision
	var err error
	if degraded {
		// Entitlement state is unknown: count against the strictest bucket.
		quota, err = t.limiter.Allow(ctx, id, t.config.AnonymousLimit, t.config.AnonymousWindow)
	} else {
		quota, err = t.limiter.AllowForTier(ctx, id, tier)
	}
	if err != nil {
		// Quota state is unknown too. Deny rather than grant unmetered access.
		t.config.Logger.Error("quota check failed, denying",
			Field{Key: "identity", Value: id.Key()},
			Field{Key: "feature", Value: feature},
			Field{Key: "error", Value: err.Error()})
		t.config.Metrics.RecordAccessCheck(feature, false)
		return &AccessDecision{
			Allowed:       false,
			Tier:          tier,
			Remaining:     0,
			ResetAt:       now.Add(t.config.WindowLength),
			UpgradeReason: "usage tracking is temporarily unavailable, please retry",
		}, nil
	}

	dec := &AccessDecision{
		Allowed:   quota.Allowed,
		Tier:      tier,
		Remaining: quota.Remaining,
		ResetAt:   quota.ResetAt,
	}
	if !quota.Allowed {
		dec.UpgradeReason = fmt.Sprintf("daily %s limit reached on the %s tier", feature, tier)
	}
	t.config.Metrics.RecordAccessCheck(feature, dec.Allowed)
	return dec, nil
}

// resolveTier returns the effective tier for the identity and whether the
// lookup ran degraded (store failure without a usable cached record).
func (t *TierGate) resolveTier(ctx context.Context, id Identity, now time.Time) (Tier, bool) {
	if !id.IsUser() {
		return t.config.DefaultTier, false
	}

	start := time.Now()
	ent, err := t.entitlements.GetEntitlement(ctx, id.ID)
	t.config.Metrics.RecordStoreOperation("entitlement_get", time.Since(start), err)

	switch {
	case err == nil:
		t.cache.set(id.ID, ent, now)
		return ent.EffectiveTier(now, t.config.GracePeriod), false

	case errors.Is(err, ErrEntitlementNotFound):
		// The record is authoritatively gone. Drop any cached copy so a later
		// store outage cannot resurrect a deleted entitlement.
		t.cache.invalidate(id.ID)
		return t.config.DefaultTier, false

	default:
		if cached, ok := t.cache.get(id.ID, t.maxStaleness, now); ok {
			t.config.Logger.Warn("serving stale entitlement",
				Field{Key: "user_id", Value: id.ID},
				Field{Key: "error", Value: err.Error()})
			return cached.EffectiveTier(now, t.config.GracePeriod), false
		}
		t.config.Logger.Error("entitlement lookup failed, failing closed",
			Field{Key: "user_id", Value: id.ID},
			Field{Key: "error", Value: err.Error()})
		return t.config.DefaultTier, true
	}
}

// upgradeReason names the cheapest tier that carries the feature.
func (t *TierGate) upgradeReason(feature string, current Tier) string {
	var best Tier
	found := false
	for tier, caps := range t.config.Tiers {
		if !caps.Features[feature] {
			continue
		}
		if !found || tier.Rank() < best.Rank() {
			best = tier
			found = true
		}
	}
	if !found {
		return fmt.Sprintf("%s is not available on any tier", feature)
	}
	return fmt.Sprintf("%s requires the %s tier (current: %s)", feature, best, current)
}
