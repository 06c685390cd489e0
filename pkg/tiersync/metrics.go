package tiersync

import "time"

// Metrics defines the interface for tracking webhook, dispatch and quota
// operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery and its result
	// ("success", "duplicate", "error", "rejected").
	RecordWebhookEvent(eventType, result string)

	// RecordWebhookDuration records end-to-end webhook handling latency.
	RecordWebhookDuration(eventType string, duration time.Duration)

	// RecordDispatch records a state-machine transition attempt.
	RecordDispatch(eventType string, outcome Outcome)

	// RecordStaleEvent records an event rejected by the out-of-order guard.
	RecordStaleEvent(eventType string)

	// RecordTierChange records a reconciled tier transition.
	RecordTierChange(from, to Tier)

	// RecordRateLimitCheck records a rate-limit decision for an identity kind.
	RecordRateLimitCheck(kind IdentityKind, allowed bool)

	// RecordUnlimitedBypass records a check short-circuited by an unlimited
	// tier. Kept for analytics even though no counter is written.
	RecordUnlimitedBypass(kind IdentityKind)

	// RecordAccessCheck records a TierGate decision per feature.
	RecordAccessCheck(feature string, allowed bool)

	// RecordStoreOperation records the duration and status of a store call.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(eventType, result string)                       {}
func (n *NoopMetrics) RecordWebhookDuration(eventType string, duration time.Duration)    {}
func (n *NoopMetrics) RecordDispatch(eventType string, outcome Outcome)                  {}
func (n *NoopMetrics) RecordStaleEvent(eventType string)                                 {}
func (n *NoopMetrics) RecordTierChange(from, to Tier)                                    {}
func (n *NoopMetrics) RecordRateLimitCheck(kind IdentityKind, allowed bool)              {}
func (n *NoopMetrics) RecordUnlimitedBypass(kind IdentityKind)                           {}
func (n *NoopMetrics) RecordAccessCheck(feature string, allowed bool)                    {}
func (n *NoopMetrics) RecordStoreOperation(op string, duration time.Duration, err error) {}
