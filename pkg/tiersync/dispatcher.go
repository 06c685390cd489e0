package tiersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// saveRetries bounds the CAS retry loop when a concurrent writer wins the race.
const saveRetries = 3

// FailureHandler receives events that failed on a business condition after
// they have been acknowledged to the provider. This is the operator-visible
// error channel: wire it to an alert queue or dead-letter topic.
type FailureHandler func(ctx context.Context, ev *Event, err error)

// Dispatcher reconciles webhook events into UserEntitlement records.
//
// State machine over UserEntitlement.Status:
//
//	none → trialing → active ⇄ past_due → canceled
//
// with active → canceled also directly reachable. Events older than the
// record's UpdatedAt are rejected as stale.
type Dispatcher struct {
	entitlements EntitlementStore
	grants       GrantStore
	resolver     UserResolver
	config       Config
	onFailure    FailureHandler

	// locks serializes read-modify-write cycles per user within this process.
	// Cross-process safety comes from the store's conditional write.
	locks sync.Map // userID -> *sync.Mutex
}

// NewDispatcher creates a dispatcher over the given stores.
func NewDispatcher(entitlements EntitlementStore, grants GrantStore, resolver UserResolver, config Config) (*Dispatcher, error) {
	if entitlements == nil {
		return nil, fmt.Errorf("entitlement store is required")
	}
	if grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("user resolver is required")
	}
	return &Dispatcher{
		entitlements: entitlements,
		grants:       grants,
		resolver:     resolver,
		config:       config.normalize(),
	}, nil
}

// OnFailure installs the operator-visible failure channel.
func (d *Dispatcher) OnFailure(fn FailureHandler) {
	d.onFailure = fn
}

// Dispatch applies one event. Returns nil for applied events, deliberate
// no-ops and stale events. Business errors (for example ErrUnknownUser) are
// reported to the failure handler and returned; the caller acknowledges them
// to the provider and records outcome=error. ErrStoreUnavailable is returned
// unhandled so the caller can ask the provider to redeliver.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	err := d.dispatch(ctx, ev)
	eventType := string(ev.Type)

	switch {
	case err == nil:
		d.config.Metrics.RecordDispatch(eventType, OutcomeSuccess)
		return nil

	case errors.Is(err, ErrStaleEvent):
		// Expected under out-of-order delivery. Not an operator alert.
		d.config.Metrics.RecordStaleEvent(eventType)
		d.config.Logger.Debug("stale event rejected",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: eventType},
			Field{Key: "occurred_at", Value: ev.OccurredAt})
		return nil

	case errors.Is(err, ErrStoreUnavailable):
		return err

	default:
		d.config.Metrics.RecordDispatch(eventType, OutcomeError)
		d.config.Logger.Warn("event processing failed",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: eventType},
			Field{Key: "error", Value: err.Error()})
		if d.onFailure != nil {
			d.onFailure(ctx, ev, err)
		}
		return err
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return d.applySubscription(ctx, ev)
	case EventSubscriptionDeleted:
		return d.applyDeleted(ctx, ev)
	case EventInvoicePaid:
		return d.applyInvoicePaid(ctx, ev)
	case EventInvoiceFailed:
		return d.applyInvoiceFailed(ctx, ev)
	case EventCheckoutCompleted, EventOnetimePayment:
		return d.applyGrant(ctx, ev)
	case EventUnknown:
		d.config.Logger.Debug("ignoring unknown event type",
			Field{Key: "event_id", Value: ev.ID})
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}
}

func (d *Dispatcher) applySubscription(ctx context.Context, ev *Event) error {
	p := ev.Subscription
	userID, err := d.resolveCustomer(ctx, p.CustomerID)
	if err != nil {
		return err
	}

	return d.mutate(ctx, userID, ev, func(cur *UserEntitlement) (*UserEntitlement, error) {
		next := cloneOrNew(cur, userID)
		next.Tier = d.config.TierForPrice(p.PriceID)
		next.Status = p.Status
		next.ProviderCustomerID = p.CustomerID
		next.ProviderSubscriptionID = p.SubscriptionID
		if !p.CurrentPeriodEnd.IsZero() {
			next.CurrentPeriodEnd = p.CurrentPeriodEnd
		}
		next.UpdatedAt = ev.OccurredAt
		return next, nil
	})
}

func (d *Dispatcher) applyDeleted(ctx context.Context, ev *Event) error {
	p := ev.Subscription
	userID, err := d.resolveCustomer(ctx, p.CustomerID)
	if err != nil {
		return err
	}

	return d.mutate(ctx, userID, ev, func(cur *UserEntitlement) (*UserEntitlement, error) {
		if cur == nil {
			// Nothing to cancel. Deliberate no-op.
			return nil, nil
		}
		next := cloneOrNew(cur, userID)
		next.Status = StatusCanceled
		// Tier and CurrentPeriodEnd are retained: together with the grace
		// policy they bound how long prior-tier access survives cancellation.
		// EffectiveTier resolves to free once the boundary has passed.
		next.UpdatedAt = ev.OccurredAt
		return next, nil
	})
}

func (d *Dispatcher) applyInvoicePaid(ctx context.Context, ev *Event) error {
	p := ev.Invoice
	userID, err := d.resolveCustomer(ctx, p.CustomerID)
	if err != nil {
		return err
	}

	return d.mutate(ctx, userID, ev, func(cur *UserEntitlement) (*UserEntitlement, error) {
		next := cloneOrNew(cur, userID)
		if next.Tier == "" {
			next.Tier = d.config.DefaultTier
		}
		next.Status = StatusActive
		next.ProviderCustomerID = p.CustomerID
		if p.SubscriptionID != "" {
			next.ProviderSubscriptionID = p.SubscriptionID
		}
		if !p.PeriodEnd.IsZero() {
			next.CurrentPeriodEnd = p.PeriodEnd
		}
		next.UpdatedAt = ev.OccurredAt
		return next, nil
	})
}

func (d *Dispatcher) applyInvoiceFailed(ctx context.Context, ev *Event) error {
	p := ev.Invoice
	userID, err := d.resolveCustomer(ctx, p.CustomerID)
	if err != nil {
		return err
	}

	return d.mutate(ctx, userID, ev, func(cur *UserEntitlement) (*UserEntitlement, error) {
		if cur == nil {
			// A failed invoice for a user we never granted anything to.
			return nil, nil
		}
		next := cloneOrNew(cur, userID)
		if p.NextAttempt.IsZero() {
			// No further retry scheduled by the provider: terminal failure.
			next.Status = StatusCanceled
		} else {
			// Grace period: tier is untouched, the account is flagged so the
			// client can show a payment-issue banner.
			next.Status = StatusPastDue
		}
		next.UpdatedAt = ev.OccurredAt
		return next, nil
	})
}

func (d *Dispatcher) applyGrant(ctx context.Context, ev *Event) error {
	p := ev.Checkout
	if p.GrantType == "" {
		return fmt.Errorf("%w: %s: missing grant_type", ErrUnsupportedEvent, ev.Type)
	}

	userID := p.UserID
	if userID == "" {
		resolved, err := d.resolveCustomer(ctx, p.CustomerID)
		if err != nil {
			return err
		}
		userID = resolved
	}

	// The grant ledger carries its own idempotency: a duplicate event ID is a
	// no-op inside the store.
	return d.grants.AddGrant(ctx, &Grant{
		UserID:    userID,
		Type:      p.GrantType,
		EventID:   ev.ID,
		GrantedAt: ev.OccurredAt,
	})
}

// mutate runs a read-modify-write cycle for one user: in-process serialization
// through a per-user lock, cross-process safety through the store's
// conditional write. fn receives the current record (nil when none) and
// returns the replacement, or nil for a deliberate no-op.
func (d *Dispatcher) mutate(ctx context.Context, userID string, ev *Event, fn func(cur *UserEntitlement) (*UserEntitlement, error)) error {
	unlock := d.lockUser(userID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		cur, err := d.entitlements.GetEntitlement(ctx, userID)
		if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
			return err
		}
		if errors.Is(err, ErrEntitlementNotFound) {
			cur = nil
		}

		if cur != nil && ev.OccurredAt.Before(cur.UpdatedAt) {
			return fmt.Errorf("%w: event %s at %s, record at %s",
				ErrStaleEvent, ev.ID, ev.OccurredAt.Format(time.RFC3339), cur.UpdatedAt.Format(time.RFC3339))
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		var expected int64
		prevTier := d.config.DefaultTier
		if cur != nil {
			expected = cur.Version
			prevTier = cur.Tier
		}

		err = d.entitlements.SaveEntitlement(ctx, next, expected)
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}
		if prevTier != next.Tier {
			d.config.Metrics.RecordTierChange(prevTier, next.Tier)
		}
		return nil
	}
	return fmt.Errorf("gave up after %d conflicting writes for user %s: %w", saveRetries, userID, lastErr)
}

func (d *Dispatcher) resolveCustomer(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("%w: empty provider customer id", ErrUnknownUser)
	}
	userID, err := d.resolver.ResolveCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) || errors.Is(err, ErrStoreUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownUser, customerID, err)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownUser, customerID)
	}
	return userID, nil
}

func (d *Dispatcher) lockUser(userID string) func() {
	v, _ := d.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func cloneOrNew(cur *UserEntitlement, userID string) *UserEntitlement {
	if cur == nil {
		return &UserEntitlement{UserID: userID, Status: StatusNone}
	}
	next := *cur
	return &next
}
