package tiersync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the provider webhook event types the core understands.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventInvoicePaid         EventType = "invoice.paid"
	EventInvoiceFailed       EventType = "invoice.payment_failed"
	EventCheckoutCompleted   EventType = "checkout.completed"
	EventOnetimePayment      EventType = "onetime.payment_succeeded"

	// EventUnknown marks types this core does not model. Unknown events are
	// acknowledged and ignored so new provider types never cause retry storms.
	EventUnknown EventType = ""
)

// Event is the tagged union decoded from a webhook delivery. Exactly one of
// the payload pointers matching the Type is populated.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
	Checkout     *CheckoutPayload
}

// SubscriptionPayload carries the fields of subscription.* events.
type SubscriptionPayload struct {
	CustomerID       string
	SubscriptionID   string
	PriceID          string
	Status           Status
	CurrentPeriodEnd time.Time
}

// InvoicePayload carries the fields of invoice.* events.
type InvoicePayload struct {
	CustomerID     string
	SubscriptionID string
	PeriodEnd      time.Time

	// NextAttempt is the provider's scheduled retry for a failed payment.
	// Zero means no further retry: the failure is terminal.
	NextAttempt time.Time
}

// CheckoutPayload carries the fields of checkout.completed and
// onetime.payment_succeeded events.
type CheckoutPayload struct {
	CustomerID string

	// UserID is the local user ID the client attached as checkout metadata.
	// When present it takes precedence over customer resolution.
	UserID string

	// GrantType names the one-off entitlement purchased (e.g. "report_unlock").
	GrantType string
}

// envelope is the wire shape shared by all event types.
type envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt int64           `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type subscriptionData struct {
	CustomerID       string `json:"customer_id"`
	SubscriptionID   string `json:"subscription_id"`
	PriceID          string `json:"price_id"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

type invoiceData struct {
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	PeriodEnd      int64  `json:"period_end"`
	NextAttempt    int64  `json:"next_attempt"`
}

type checkoutData struct {
	CustomerID string `json:"customer_id"`
	UserID     string `json:"user_id"`
	GrantType  string `json:"grant_type"`
}

// ParseEvent decodes a raw webhook body into a typed Event. The caller must
// have verified the signature over these exact bytes first.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrUnsupportedEvent)
	}
	if env.OccurredAt <= 0 {
		return nil, fmt.Errorf("%w: missing occurred_at", ErrUnsupportedEvent)
	}

	ev := &Event{
		ID:         env.ID,
		OccurredAt: time.Unix(env.OccurredAt, 0).UTC(),
	}

	switch EventType(env.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		ev.Type = EventType(env.Type)
		var d subscriptionData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedEvent, env.Type, err)
		}
		if d.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: %s: missing subscription_id", ErrUnsupportedEvent, env.Type)
		}
		ev.Subscription = &SubscriptionPayload{
			CustomerID:     d.CustomerID,
			SubscriptionID: d.SubscriptionID,
			PriceID:        d.PriceID,
			Status:         parseStatus(d.Status),
		}
		if d.CurrentPeriodEnd > 0 {
			ev.Subscription.CurrentPeriodEnd = time.Unix(d.CurrentPeriodEnd, 0).UTC()
		}

	case EventInvoicePaid, EventInvoiceFailed:
		ev.Type = EventType(env.Type)
		var d invoiceData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedEvent, env.Type, err)
		}
		ev.Invoice = &InvoicePayload{
			CustomerID:     d.CustomerID,
			SubscriptionID: d.SubscriptionID,
		}
		if d.PeriodEnd > 0 {
			ev.Invoice.PeriodEnd = time.Unix(d.PeriodEnd, 0).UTC()
		}
		if d.NextAttempt > 0 {
			ev.Invoice.NextAttempt = time.Unix(d.NextAttempt, 0).UTC()
		}

	case EventCheckoutCompleted, EventOnetimePayment:
		ev.Type = EventType(env.Type)
		var d checkoutData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedEvent, env.Type, err)
		}
		ev.Checkout = &CheckoutPayload{
			CustomerID: d.CustomerID,
			UserID:     d.UserID,
			GrantType:  d.GrantType,
		}

	default:
		// Unknown types are structurally valid; the dispatcher acks them.
		ev.Type = EventUnknown
	}

	return ev, nil
}

// parseStatus maps the provider's subscription status string onto the local
// state machine. Unrecognized values collapse to none rather than failing the
// whole event.
func parseStatus(s string) Status {
	switch Status(s) {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return Status(s)
	default:
		return StatusNone
	}
}
