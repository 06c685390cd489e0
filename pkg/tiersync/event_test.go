package tiersync_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

func TestParseEventSubscription(t *testing.T) {
	raw := []byte(`{
		"id": "evt_1",
		"type": "subscription.created",
		"occurred_at": 1756700000,
		"data": {
			"customer_id": "cus_9",
			"subscription_id": "sub_9",
			"price_id": "price_premium_monthly",
			"status": "active",
			"current_period_end": 1759300000
		}
	}`)

	ev, err := tiersync.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, tiersync.EventSubscriptionCreated, ev.Type)
	assert.Equal(t, time.Unix(1756700000, 0).UTC(), ev.OccurredAt)

	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "cus_9", ev.Subscription.CustomerID)
	assert.Equal(t, "sub_9", ev.Subscription.SubscriptionID)
	assert.Equal(t, "price_premium_monthly", ev.Subscription.PriceID)
	assert.Equal(t, tiersync.StatusActive, ev.Subscription.Status)
	assert.Equal(t, time.Unix(1759300000, 0).UTC(), ev.Subscription.CurrentPeriodEnd)
	assert.Nil(t, ev.Invoice)
	assert.Nil(t, ev.Checkout)
}

func TestParseEventInvoiceFailed(t *testing.T) {
	raw := []byte(`{
		"id": "evt_2",
		"type": "invoice.payment_failed",
		"occurred_at": 1756700000,
		"data": {
			"customer_id": "cus_9",
			"subscription_id": "sub_9",
			"next_attempt": 1756786400
		}
	}`)

	ev, err := tiersync.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, tiersync.EventInvoiceFailed, ev.Type)
	require.NotNil(t, ev.Invoice)
	assert.Equal(t, time.Unix(1756786400, 0).UTC(), ev.Invoice.NextAttempt)
}

func TestParseEventInvoiceFailedTerminal(t *testing.T) {
	// next_attempt absent: the provider gave up retrying.
	raw := []byte(`{
		"id": "evt_3",
		"type": "invoice.payment_failed",
		"occurred_at": 1756700000,
		"data": {"customer_id": "cus_9"}
	}`)

	ev, err := tiersync.ParseEvent(raw)
	require.NoError(t, err)
	assert.True(t, ev.Invoice.NextAttempt.IsZero())
}

func TestParseEventCheckout(t *testing.T) {
	raw := []byte(`{
		"id": "evt_4",
		"type": "checkout.completed",
		"occurred_at": 1756700000,
		"data": {
			"customer_id": "cus_9",
			"user_id": "user-1",
			"grant_type": "report_unlock"
		}
	}`)

	ev, err := tiersync.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, tiersync.EventCheckoutCompleted, ev.Type)
	require.NotNil(t, ev.Checkout)
	assert.Equal(t, "user-1", ev.Checkout.UserID)
	assert.Equal(t, "report_unlock", ev.Checkout.GrantType)
}

func TestParseEventUnknownType(t *testing.T) {
	raw := []byte(`{
		"id": "evt_5",
		"type": "customer.humor_detected",
		"occurred_at": 1756700000,
		"data": {}
	}`)

	ev, err := tiersync.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, tiersync.EventUnknown, ev.Type)
	assert.Nil(t, ev.Subscription)
	assert.Nil(t, ev.Invoice)
	assert.Nil(t, ev.Checkout)
}

func TestParseEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":             `{`,
		"missing id":           `{"type":"invoice.paid","occurred_at":1756700000,"data":{}}`,
		"missing occurred_at":  `{"id":"evt_6","type":"invoice.paid","data":{}}`,
		"no subscription id":   `{"id":"evt_7","type":"subscription.updated","occurred_at":1756700000,"data":{"customer_id":"cus_9"}}`,
		"bad payload shape":    `{"id":"evt_8","type":"invoice.paid","occurred_at":1756700000,"data":[1,2]}`,
		"negative occurred_at": `{"id":"evt_9","type":"invoice.paid","occurred_at":-5,"data":{}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tiersync.ParseEvent([]byte(raw))
			assert.ErrorIs(t, err, tiersync.ErrUnsupportedEvent)
		})
	}
}

func TestParseEventUnknownStatusCollapses(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{
		"id": "evt_10",
		"type": "subscription.updated",
		"occurred_at": %d,
		"data": {"customer_id":"cus_9","subscription_id":"sub_9","status":"paused"}
	}`, time.Now().Unix()))

	ev, err := tiersync.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusNone, ev.Subscription.Status)
}
