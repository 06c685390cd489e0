package tiersync

import "time"

// TierCapabilities is the static capability table entry for one tier.
type TierCapabilities struct {
	// Features holds the feature flags enabled for the tier.
	Features map[string]bool

	// DailyLimit is the operation quota per window for quota-bound features.
	// LimitUnlimited bypasses the limiter entirely.
	DailyLimit int
}

// Config holds the tier tables and policies shared by the dispatcher,
// rate limiter and tier gate.
type Config struct {
	// Tiers maps tier names to their capabilities.
	Tiers map[Tier]TierCapabilities

	// PriceTiers is the static lookup from provider price/plan IDs to tiers.
	PriceTiers map[string]Tier

	// DefaultTier is used for anonymous and unresolved identities.
	DefaultTier Tier

	// QuotaFeatures names the features that consume quota when accessed.
	QuotaFeatures map[string]bool

	// WindowLength is the quota window for authenticated identities.
	WindowLength time.Duration

	// AnonymousLimit is the fixed per-window allowance for device identities.
	// It has no per-tier override.
	AnonymousLimit int

	// AnonymousWindow is the quota window for device identities.
	AnonymousWindow time.Duration

	// GracePeriod extends paid-tier access past CurrentPeriodEnd for
	// past_due and canceled subscriptions. Zero means access ends exactly at
	// the paid-through boundary.
	GracePeriod time.Duration

	// EventRetention bounds how long processed event records are kept.
	// Provider retries are time-bounded, so days are enough.
	EventRetention time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for operation tracking (default: NoopMetrics).
	Metrics Metrics

	// Now returns the current time. Defaults to time.Now; tests inject a
	// fixed clock.
	Now func() time.Time
}

// DefaultConfig returns a Config with the stock tier table for the scanning
// product: free, basic, premium and professional.
func DefaultConfig() Config {
	return Config{
		Tiers: map[Tier]TierCapabilities{
			TierFree: {
				Features: map[string]bool{
					"scan": true,
				},
				DailyLimit: 10,
			},
			TierBasic: {
				Features: map[string]bool{
					"scan":        true,
					"scanHistory": true,
				},
				DailyLimit: 50,
			},
			TierPremium: {
				Features: map[string]bool{
					"scan":             true,
					"scanHistory":      true,
					"detailedAnalysis": true,
					"exportReports":    true,
				},
				DailyLimit: LimitUnlimited,
			},
			TierProfessional: {
				Features: map[string]bool{
					"scan":                true,
					"scanHistory":         true,
					"detailedAnalysis":    true,
					"exportReports":       true,
					"naturalAlternatives": true,
				},
				DailyLimit: LimitUnlimited,
			},
		},
		PriceTiers:      map[string]Tier{},
		DefaultTier:     TierFree,
		QuotaFeatures:   map[string]bool{"scan": true},
		WindowLength:    24 * time.Hour,
		AnonymousLimit:  3,
		AnonymousWindow: 24 * time.Hour,
		GracePeriod:     0,
		EventRetention:  7 * 24 * time.Hour,
	}
}

// normalize fills the zero-value fields callers commonly leave unset.
func (c Config) normalize() Config {
	if c.DefaultTier == "" {
		c.DefaultTier = TierFree
	}
	if c.WindowLength == 0 {
		c.WindowLength = 24 * time.Hour
	}
	if c.AnonymousWindow == 0 {
		c.AnonymousWindow = 24 * time.Hour
	}
	if c.AnonymousLimit == 0 {
		c.AnonymousLimit = 3
	}
	if c.EventRetention == 0 {
		c.EventRetention = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// TierForPrice resolves a provider price ID through the static lookup table.
// Unknown prices map to the default tier.
func (c Config) TierForPrice(priceID string) Tier {
	if t, ok := c.PriceTiers[priceID]; ok {
		return t
	}
	return c.DefaultTier
}

// capabilities returns the capability entry for a tier, falling back to the
// default tier for unknown names.
func (c Config) capabilities(t Tier) TierCapabilities {
	if caps, ok := c.Tiers[t]; ok {
		return caps
	}
	return c.Tiers[c.DefaultTier]
}
