package tiersync

import (
	"time"
)

// Tier is a subscription tier name.
type Tier string

const (
	// TierFree is the default tier for anonymous and unsubscribed users
	TierFree Tier = "free"
	// TierBasic is the entry-level paid tier
	TierBasic Tier = "basic"
	// TierPremium is the mid paid tier
	TierPremium Tier = "premium"
	// TierProfessional is the top paid tier
	TierProfessional Tier = "professional"
)

// tierRanks orders tiers for upgrade comparisons. Higher wins when a
// subscription carries multiple prices.
var tierRanks = map[Tier]int{
	TierFree:         0,
	TierBasic:        1,
	TierPremium:      2,
	TierProfessional: 3,
}

// Rank returns the ordering weight of the tier. Unknown tiers rank below free.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// Status is the lifecycle state of a recurring subscription.
type Status string

const (
	// StatusNone means the user has never had a subscription
	StatusNone Status = "none"
	// StatusTrialing means the subscription is in a trial period
	StatusTrialing Status = "trialing"
	// StatusActive means the subscription is paid up
	StatusActive Status = "active"
	// StatusPastDue means the latest payment attempt failed but the provider
	// is still retrying
	StatusPastDue Status = "past_due"
	// StatusCanceled is terminal
	StatusCanceled Status = "canceled"
)

// IdentityKind distinguishes the two quota-key namespaces.
type IdentityKind string

const (
	// IdentityUser identifies an authenticated user by user ID
	IdentityUser IdentityKind = "user"
	// IdentityDevice identifies an anonymous client by device fingerprint
	IdentityDevice IdentityKind = "device"
)

// Identity is the sum type used to key quota records and access checks.
// A device fingerprint and a user ID never share a namespace, so a user
// signing in on a throttled device starts from their own bucket.
type Identity struct {
	Kind IdentityKind
	ID   string
}

// UserIdentity returns an authenticated identity for the given user ID.
func UserIdentity(userID string) Identity {
	return Identity{Kind: IdentityUser, ID: userID}
}

// DeviceIdentity returns an anonymous identity for the given fingerprint.
func DeviceIdentity(fingerprint string) Identity {
	return Identity{Kind: IdentityDevice, ID: fingerprint}
}

// Key returns a stable namespaced storage key.
func (i Identity) Key() string {
	return string(i.Kind) + ":" + i.ID
}

// IsUser reports whether the identity belongs to an authenticated user.
func (i Identity) IsUser() bool {
	return i.Kind == IdentityUser
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// UserEntitlement is the durable per-user record reconciled from payment
// provider events. Writes are owned by the Dispatcher; TierGate and
// RateLimiter only read it.
type UserEntitlement struct {
	UserID                 string
	Tier                   Tier
	Status                 Status
	ProviderCustomerID     string
	ProviderSubscriptionID string

	// CurrentPeriodEnd is the paid-through boundary. It survives cancellation
	// as the grace-period boundary.
	CurrentPeriodEnd time.Time

	// UpdatedAt is the occurredAt of the most recently applied event. Events
	// with an earlier timestamp must never overwrite this record.
	UpdatedAt time.Time

	// Version is a monotonically increasing counter used for conditional
	// writes. Zero means the record has never been persisted.
	Version int64
}

// EffectiveTier resolves the tier the user may actually use at the given
// instant. Canceled and past_due subscriptions keep their paid tier until
// CurrentPeriodEnd plus the configured grace period, then drop to free.
func (e *UserEntitlement) EffectiveTier(now time.Time, grace time.Duration) Tier {
	if e == nil || e.Tier == "" {
		return TierFree
	}
	switch e.Status {
	case StatusActive, StatusTrialing:
		return e.Tier
	case StatusPastDue, StatusCanceled:
		if e.CurrentPeriodEnd.IsZero() {
			return TierFree
		}
		if now.Before(e.CurrentPeriodEnd.Add(grace)) {
			return e.Tier
		}
		return TierFree
	default:
		return TierFree
	}
}

// Outcome records how processing of a webhook event ended.
type Outcome string

const (
	// OutcomeSuccess means the event was applied (or was a deliberate no-op)
	OutcomeSuccess Outcome = "success"
	// OutcomeError means processing failed on a business condition that
	// retrying cannot fix; the event is acknowledged and parked for an operator
	OutcomeError Outcome = "error"
)

// ProcessedEventRecord marks a provider event ID as handled so at-least-once
// redeliveries short-circuit. Records may be garbage-collected once the
// provider's retry horizon has passed.
type ProcessedEventRecord struct {
	EventID     string
	ProcessedAt time.Time
	Outcome     Outcome

	// Reason carries the failure description when Outcome is OutcomeError.
	Reason string
}

// Grant is a one-off entitlement (for example a single unlocked report)
// acquired outside the recurring subscription state machine. The ledger is
// append-only and idempotent per event ID.
type Grant struct {
	UserID    string
	Type      string
	EventID   string
	GrantedAt time.Time
}

// QuotaRecord is a fixed-window counter for one identity.
type QuotaRecord struct {
	Identity    Identity
	WindowStart time.Time
	Count       int
	Limit       int
}

// LimitUnlimited is the sentinel limit for tiers that bypass quota counting.
// The limiter must short-circuit on it rather than count toward it.
const LimitUnlimited = -1

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// AccessDecision is the contract returned to the calling request path. It
// carries enough detail for a client to render an upgrade prompt or a
// quota countdown without further lookups.
type AccessDecision struct {
	Allowed bool
	Tier    Tier

	// Remaining is the quota left in the current window, or LimitUnlimited.
	Remaining int

	// ResetAt is when the current quota window resets. Zero when the feature
	// is not quota-bound or the tier is unlimited.
	ResetAt time.Time

	// UpgradeReason is non-empty on denial and names what is missing
	// (a capability or exhausted quota).
	UpgradeReason string
}
