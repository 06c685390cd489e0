package tiersync

import "errors"

var (
	// ErrSignatureInvalid is returned when webhook signature verification fails
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrDuplicateEvent is returned when an event ID has already been processed.
	// It is an idempotent success, not a failure.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrUnknownUser is returned when an event cannot be resolved to a local user
	ErrUnknownUser = errors.New("unknown user for provider customer")

	// ErrStaleEvent is returned by the transition function when an event is
	// older than the current record. Expected under out-of-order delivery.
	ErrStaleEvent = errors.New("event older than current entitlement")

	// ErrStoreUnavailable is returned for infrastructure failures. Webhook
	// handling surfaces it as a retryable non-2xx; access checks fail closed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrVersionConflict is returned by conditional entitlement writes when
	// the record changed underneath the caller
	ErrVersionConflict = errors.New("entitlement version conflict")

	// ErrEntitlementNotFound is returned when the user has no entitlement record
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrUnsupportedEvent is returned when the payload cannot be decoded as a
	// known event type
	ErrUnsupportedEvent = errors.New("unsupported event payload")
)
