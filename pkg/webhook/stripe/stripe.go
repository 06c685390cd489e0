// Package stripe adapts Stripe webhook deliveries onto the core event model,
// so a Stripe account can feed the same dispatcher as the provider-neutral
// ingestor.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/scanwise/tiersync/pkg/tiersync"
	"github.com/scanwise/tiersync/pkg/webhook"
)

const maxBodyBytes = 256 * 1024

// Config holds the Stripe webhook handler configuration.
type Config struct {
	// WebhookSecret is the endpoint signing secret from the Stripe dashboard.
	WebhookSecret string

	// Dispatcher receives translated events (required).
	Dispatcher webhook.Dispatcher

	// Idempotency suppresses redelivered Stripe event IDs (required).
	Idempotency tiersync.IdempotencyStore

	// Logger is used for structured logging (default: NoopLogger).
	Logger tiersync.Logger

	// Metrics tracks deliveries (default: NoopMetrics).
	Metrics tiersync.Metrics

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Handler verifies, translates and dispatches Stripe webhook events. The
// response policy matches the core ingestor: 400 only for signature or parse
// failures, 503 for store outages, 200 for everything else.
type Handler struct {
	config Config
}

// NewHandler validates the configuration and returns a handler.
func NewHandler(config Config) (*Handler, error) {
	if config.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Idempotency == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if config.Logger == nil {
		config.Logger = &tiersync.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &tiersync.NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{config: config}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.config.Metrics.RecordWebhookEvent("unknown", "rejected")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	stripeEvent, err := stripe.ConstructEvent(body, sig, h.config.WebhookSecret)
	if err != nil {
		h.config.Logger.Warn("stripe signature rejected",
			tiersync.Field{Key: "error", Value: err.Error()})
		h.config.Metrics.RecordWebhookEvent("unknown", "rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ev, err := translate(&stripeEvent)
	if err != nil {
		h.config.Logger.Warn("stripe payload rejected",
			tiersync.Field{Key: "event_id", Value: stripeEvent.ID},
			tiersync.Field{Key: "error", Value: err.Error()})
		h.config.Metrics.RecordWebhookEvent(string(stripeEvent.Type), "rejected")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	eventType := string(ev.Type)
	ctx := r.Context()

	existing, err := h.config.Idempotency.GetProcessedEvent(ctx, ev.ID)
	if err != nil {
		h.config.Metrics.RecordWebhookEvent(eventType, "retryable")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if existing != nil {
		h.config.Metrics.RecordWebhookEvent(eventType, "duplicate")
		h.ack(w)
		return
	}

	dispatchErr := h.config.Dispatcher.Dispatch(ctx, ev)
	switch {
	case dispatchErr == nil:
		h.record(r, ev, tiersync.OutcomeSuccess, "")
		h.config.Metrics.RecordWebhookEvent(eventType, "success")
	case errors.Is(dispatchErr, tiersync.ErrStoreUnavailable):
		h.config.Metrics.RecordWebhookEvent(eventType, "retryable")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	default:
		h.record(r, ev, tiersync.OutcomeError, dispatchErr.Error())
		h.config.Metrics.RecordWebhookEvent(eventType, "error")
	}

	h.ack(w)
}

func (h *Handler) record(r *http.Request, ev *tiersync.Event, outcome tiersync.Outcome, reason string) {
	rec := &tiersync.ProcessedEventRecord{
		EventID:     ev.ID,
		ProcessedAt: h.config.Now().UTC(),
		Outcome:     outcome,
		Reason:      reason,
	}
	if err := h.config.Idempotency.RecordProcessedEvent(r.Context(), rec); err != nil && !errors.Is(err, tiersync.ErrDuplicateEvent) {
		h.config.Logger.Warn("failed to record processed event",
			tiersync.Field{Key: "event_id", Value: ev.ID},
			tiersync.Field{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Response already committed.
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

// rawSubscription is the subset of the subscription object the core needs.
// Decoded from the event payload rather than the SDK struct because period
// fields come through the webhook JSON.
type rawSubscription struct {
	ID               string          `json:"id"`
	Customer         json.RawMessage `json:"customer"`
	Status           string          `json:"status"`
	CurrentPeriodEnd int64           `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type rawInvoice struct {
	Customer           json.RawMessage `json:"customer"`
	Subscription       json.RawMessage `json:"subscription"`
	PeriodEnd          int64           `json:"period_end"`
	NextPaymentAttempt int64           `json:"next_payment_attempt"`
}

type rawCheckout struct {
	Customer json.RawMessage   `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// translate maps a verified Stripe event onto the core tagged union. Event
// types the core does not model come back as EventUnknown and are
// acknowledged upstream.
func translate(se *stripe.Event) (*tiersync.Event, error) {
	ev := &tiersync.Event{
		ID:         se.ID,
		OccurredAt: time.Unix(se.Created, 0).UTC(),
	}

	switch se.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub rawSubscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", tiersync.ErrUnsupportedEvent, err)
		}
		priceID := ""
		if len(sub.Items.Data) > 0 {
			priceID = sub.Items.Data[0].Price.ID
		}
		ev.Subscription = &tiersync.SubscriptionPayload{
			CustomerID:     refID(sub.Customer),
			SubscriptionID: sub.ID,
			PriceID:        priceID,
			Status:         subscriptionStatus(sub.Status),
		}
		if sub.CurrentPeriodEnd > 0 {
			ev.Subscription.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		}
		switch se.Type {
		case "customer.subscription.created":
			ev.Type = tiersync.EventSubscriptionCreated
		case "customer.subscription.updated":
			ev.Type = tiersync.EventSubscriptionUpdated
		default:
			ev.Type = tiersync.EventSubscriptionDeleted
		}

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv rawInvoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", tiersync.ErrUnsupportedEvent, err)
		}
		ev.Invoice = &tiersync.InvoicePayload{
			CustomerID:     refID(inv.Customer),
			SubscriptionID: refID(inv.Subscription),
		}
		if inv.PeriodEnd > 0 {
			ev.Invoice.PeriodEnd = time.Unix(inv.PeriodEnd, 0).UTC()
		}
		if inv.NextPaymentAttempt > 0 {
			ev.Invoice.NextAttempt = time.Unix(inv.NextPaymentAttempt, 0).UTC()
		}
		if se.Type == "invoice.payment_failed" {
			ev.Type = tiersync.EventInvoiceFailed
		} else {
			ev.Type = tiersync.EventInvoicePaid
		}

	case "checkout.session.completed", "payment_intent.succeeded":
		var session rawCheckout
		if err := json.Unmarshal(se.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout: %v", tiersync.ErrUnsupportedEvent, err)
		}
		ev.Checkout = &tiersync.CheckoutPayload{
			CustomerID: refID(session.Customer),
			UserID:     session.Metadata["user_id"],
			GrantType:  session.Metadata["grant_type"],
		}
		if se.Type == "checkout.session.completed" {
			ev.Type = tiersync.EventCheckoutCompleted
		} else {
			ev.Type = tiersync.EventOnetimePayment
		}

	default:
		ev.Type = tiersync.EventUnknown
	}

	return ev, nil
}

// refID extracts the ID from a field Stripe serializes either as a plain ID
// string or as an expanded object.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func subscriptionStatus(s string) tiersync.Status {
	switch s {
	case "trialing":
		return tiersync.StatusTrialing
	case "active":
		return tiersync.StatusActive
	case "past_due", "unpaid":
		return tiersync.StatusPastDue
	case "canceled", "incomplete_expired":
		return tiersync.StatusCanceled
	default:
		return tiersync.StatusNone
	}
}
