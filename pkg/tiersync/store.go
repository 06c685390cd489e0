package tiersync

import (
	"context"
	"time"
)

// EntitlementStore persists one UserEntitlement per user.
type EntitlementStore interface {
	// GetEntitlement retrieves the user's entitlement.
	// Returns ErrEntitlementNotFound when none exists.
	GetEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)

	// SaveEntitlement writes the record conditionally: the stored Version must
	// equal expectedVersion (0 for a create). On success the stored Version is
	// expectedVersion+1. Returns ErrVersionConflict when the record moved
	// underneath the caller; the caller re-reads and retries.
	SaveEntitlement(ctx context.Context, ent *UserEntitlement, expectedVersion int64) error
}

// IdempotencyStore remembers processed provider event IDs.
type IdempotencyStore interface {
	// GetProcessedEvent returns the record for an event ID, or nil when the
	// event has not been seen. A nil record is not an error.
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEventRecord, error)

	// RecordProcessedEvent stores the record. First write wins; recording an
	// already-known event ID returns ErrDuplicateEvent.
	RecordProcessedEvent(ctx context.Context, rec *ProcessedEventRecord) error
}

// QuotaStore holds fixed-window counters keyed by identity.
type QuotaStore interface {
	// IncrWindow atomically applies the fixed-window algorithm for the
	// identity: if no record exists or the window containing now has expired,
	// reset to count=1 starting at now; otherwise increment only while
	// count < limit. Returns the resulting record and whether the request was
	// admitted. The check-and-increment must not race for the same identity.
	IncrWindow(ctx context.Context, id Identity, limit int, window time.Duration, now time.Time) (*QuotaRecord, bool, error)

	// PeekWindow returns the current window record without consuming.
	// Returns nil when the identity has no live window.
	PeekWindow(ctx context.Context, id Identity, now time.Time) (*QuotaRecord, error)
}

// GrantStore is the append-only ledger of one-off entitlements.
type GrantStore interface {
	// AddGrant appends a grant. A grant with an already-recorded EventID is a
	// no-op (idempotent) and returns nil.
	AddGrant(ctx context.Context, g *Grant) error

	// ListGrants returns all grants for a user.
	ListGrants(ctx context.Context, userID string) ([]Grant, error)
}

// UserResolver maps a payment-provider customer ID onto a local user ID.
// Implemented by the surrounding application (auth/database layer).
type UserResolver interface {
	// ResolveCustomer returns the local user ID for a provider customer ID.
	// Returns ErrUnknownUser when no local account matches.
	ResolveCustomer(ctx context.Context, providerCustomerID string) (string, error)
}

// UserResolverFunc adapts a function to the UserResolver interface.
type UserResolverFunc func(ctx context.Context, providerCustomerID string) (string, error)

func (f UserResolverFunc) ResolveCustomer(ctx context.Context, providerCustomerID string) (string, error) {
	return f(ctx, providerCustomerID)
}
