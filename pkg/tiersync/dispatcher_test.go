package tiersync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/scanwise/tiersync/pkg/tiersync"
	"github.com/scanwise/tiersync/storage/memory"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New(memory.Config{SweepInterval: -1})
	t.Cleanup(store.Close)
	return store
}

func staticResolver(mapping map[string]string) tiersync.UserResolver {
	return tiersync.UserResolverFunc(func(_ context.Context, customerID string) (string, error) {
		if userID, ok := mapping[customerID]; ok {
			return userID, nil
		}
		return "", tiersync.ErrUnknownUser
	})
}

func newTestDispatcher(t *testing.T, store *memory.Store) *tiersync.Dispatcher {
	t.Helper()
	config := tiersync.DefaultConfig()
	config.PriceTiers = map[string]tiersync.Tier{
		"price_basic":   tiersync.TierBasic,
		"price_premium": tiersync.TierPremium,
	}
	d, err := tiersync.NewDispatcher(store, store, staticResolver(map[string]string{
		"cus_1": "user-1",
	}), config)
	require.NoError(t, err)
	return d
}

func subscriptionEvent(id string, typ tiersync.EventType, at time.Time, status tiersync.Status, priceID string) *tiersync.Event {
	return &tiersync.Event{
		ID:         id,
		Type:       typ,
		OccurredAt: at,
		Subscription: &tiersync.SubscriptionPayload{
			CustomerID:       "cus_1",
			SubscriptionID:   "sub_1",
			PriceID:          priceID,
			Status:           status,
			CurrentPeriodEnd: at.Add(30 * 24 * time.Hour),
		},
	}
}

func invoiceEvent(id string, typ tiersync.EventType, at, nextAttempt time.Time) *tiersync.Event {
	return &tiersync.Event{
		ID:         id,
		Type:       typ,
		OccurredAt: at,
		Invoice: &tiersync.InvoicePayload{
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			PeriodEnd:      at.Add(30 * 24 * time.Hour),
			NextAttempt:    nextAttempt,
		},
	}
}

func TestDispatchSubscriptionLifecycle(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	// Trial starts.
	err := d.Dispatch(ctx, subscriptionEvent("evt_1", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusTrialing, "price_premium"))
	require.NoError(t, err)

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusTrialing, ent.Status)
	assert.Equal(t, tiersync.TierPremium, ent.Tier)
	assert.Equal(t, "cus_1", ent.ProviderCustomerID)
	assert.Equal(t, "sub_1", ent.ProviderSubscriptionID)
	assert.EqualValues(t, 1, ent.Version)

	// First invoice lands: trial converts.
	err = d.Dispatch(ctx, invoiceEvent("evt_2", tiersync.EventInvoicePaid, testBase.Add(time.Hour), time.Time{}))
	require.NoError(t, err)

	ent, err = store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusActive, ent.Status)
	assert.Equal(t, tiersync.TierPremium, ent.Tier)
	assert.EqualValues(t, 2, ent.Version)

	// Renewal fails with a retry scheduled.
	err = d.Dispatch(ctx, invoiceEvent("evt_3", tiersync.EventInvoiceFailed, testBase.Add(2*time.Hour), testBase.Add(26*time.Hour)))
	require.NoError(t, err)

	ent, err = store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusPastDue, ent.Status)
	assert.Equal(t, tiersync.TierPremium, ent.Tier, "tier is untouched while the provider retries")

	// Retry succeeds: back to active.
	err = d.Dispatch(ctx, invoiceEvent("evt_4", tiersync.EventInvoicePaid, testBase.Add(26*time.Hour), time.Time{}))
	require.NoError(t, err)

	ent, err = store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusActive, ent.Status)
}

func TestDispatchTerminalPaymentFailure(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, subscriptionEvent("evt_1", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusActive, "price_basic")))

	// No next attempt scheduled: the provider gave up.
	require.NoError(t, d.Dispatch(ctx, invoiceEvent("evt_2", tiersync.EventInvoiceFailed, testBase.Add(time.Hour), time.Time{})))

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusCanceled, ent.Status)
}

func TestDispatchDeletedRetainsTierForGrace(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, subscriptionEvent("evt_1", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusActive, "price_premium")))
	require.NoError(t, d.Dispatch(ctx, subscriptionEvent("evt_2", tiersync.EventSubscriptionDeleted, testBase.Add(time.Hour), tiersync.StatusCanceled, "price_premium")))

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusCanceled, ent.Status)
	assert.Equal(t, tiersync.TierPremium, ent.Tier)

	// Inside the paid-through window the user keeps premium, after it free.
	assert.Equal(t, tiersync.TierPremium, ent.EffectiveTier(testBase.Add(24*time.Hour), 0))
	assert.Equal(t, tiersync.TierFree, ent.EffectiveTier(testBase.Add(31*24*time.Hour), 0))

	// A grace period extends the boundary.
	assert.Equal(t, tiersync.TierPremium, ent.EffectiveTier(testBase.Add(31*24*time.Hour), 3*24*time.Hour))
}

func TestDispatchDeletedWithoutRecordIsNoop(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)

	err := d.Dispatch(context.Background(), subscriptionEvent("evt_1", tiersync.EventSubscriptionDeleted, testBase, tiersync.StatusCanceled, ""))
	require.NoError(t, err)

	_, err = store.GetEntitlement(context.Background(), "user-1")
	assert.ErrorIs(t, err, tiersync.ErrEntitlementNotFound)
}

func TestDispatchOutOfOrderEventSwallowed(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, subscriptionEvent("evt_2", tiersync.EventSubscriptionUpdated, testBase.Add(time.Hour), tiersync.StatusActive, "price_premium")))

	// The older created event arrives late. It must not regress the record,
	// and it must not surface as an error either.
	err := d.Dispatch(ctx, subscriptionEvent("evt_1", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusTrialing, "price_basic"))
	require.NoError(t, err)

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusActive, ent.Status)
	assert.Equal(t, tiersync.TierPremium, ent.Tier)
	assert.EqualValues(t, 1, ent.Version, "stale event must not write")
}

func TestDispatchUnknownCustomer(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)

	var failed *tiersync.Event
	d.OnFailure(func(_ context.Context, ev *tiersync.Event, err error) {
		failed = ev
		assert.ErrorIs(t, err, tiersync.ErrUnknownUser)
	})

	ev := subscriptionEvent("evt_1", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusActive, "price_basic")
	ev.Subscription.CustomerID = "cus_missing"

	err := d.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, tiersync.ErrUnknownUser)
	require.NotNil(t, failed)
	assert.Equal(t, "evt_1", failed.ID)
}

func TestDispatchUnknownEventTypeAcked(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)

	err := d.Dispatch(context.Background(), &tiersync.Event{
		ID:         "evt_1",
		Type:       tiersync.EventUnknown,
		OccurredAt: testBase,
	})
	assert.NoError(t, err)
}

func TestDispatchGrantIdempotent(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	ev := &tiersync.Event{
		ID:         "evt_1",
		Type:       tiersync.EventOnetimePayment,
		OccurredAt: testBase,
		Checkout: &tiersync.CheckoutPayload{
			CustomerID: "cus_1",
			GrantType:  "report_unlock",
		},
	}

	require.NoError(t, d.Dispatch(ctx, ev))
	require.NoError(t, d.Dispatch(ctx, ev))

	grants, err := store.ListGrants(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "report_unlock", grants[0].Type)
	assert.Equal(t, "evt_1", grants[0].EventID)
}

func TestDispatchGrantPrefersMetadataUserID(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	// Checkout metadata names the local user directly; no resolver round trip.
	err := d.Dispatch(ctx, &tiersync.Event{
		ID:         "evt_1",
		Type:       tiersync.EventCheckoutCompleted,
		OccurredAt: testBase,
		Checkout: &tiersync.CheckoutPayload{
			CustomerID: "cus_missing",
			UserID:     "user-42",
			GrantType:  "report_unlock",
		},
	})
	require.NoError(t, err)

	grants, err := store.ListGrants(ctx, "user-42")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestDispatchGrantMissingType(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)

	err := d.Dispatch(context.Background(), &tiersync.Event{
		ID:         "evt_1",
		Type:       tiersync.EventCheckoutCompleted,
		OccurredAt: testBase,
		Checkout:   &tiersync.CheckoutPayload{CustomerID: "cus_1"},
	})
	assert.ErrorIs(t, err, tiersync.ErrUnsupportedEvent)
}

func TestDispatchStoreOutageSurfaces(t *testing.T) {
	store := newTestStore(t)
	config := tiersync.DefaultConfig()
	d, err := tiersync.NewDispatcher(failingEntitlements{}, store, staticResolver(map[string]string{"cus_1": "user-1"}), config)
	require.NoError(t, err)

	dispatchErr := d.Dispatch(context.Background(), subscriptionEvent("evt_1", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusActive, ""))
	assert.ErrorIs(t, dispatchErr, tiersync.ErrStoreUnavailable)
}

func TestDispatchConcurrentEventsSerialize(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, subscriptionEvent("evt_0", tiersync.EventSubscriptionCreated, testBase, tiersync.StatusActive, "price_premium")))

	// Concurrent later updates for the same user must all land without a
	// version conflict leaking out.
	var g errgroup.Group
	for n := 1; n <= 10; n++ {
		at := testBase.Add(time.Duration(n) * time.Minute)
		id := fmt.Sprintf("evt_%d", n)
		g.Go(func() error {
			err := d.Dispatch(ctx, invoiceEvent(id, tiersync.EventInvoicePaid, at, time.Time{}))
			// Concurrent events may observe a newer UpdatedAt and be dropped
			// as stale, which Dispatch reports as success.
			return err
		})
	}
	require.NoError(t, g.Wait())

	ent, err := store.GetEntitlement(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tiersync.StatusActive, ent.Status)
	assert.Equal(t, testBase.Add(10*time.Minute), ent.UpdatedAt, "latest event wins")
}

type failingEntitlements struct{}

func (failingEntitlements) GetEntitlement(context.Context, string) (*tiersync.UserEntitlement, error) {
	return nil, fmt.Errorf("%w: connection refused", tiersync.ErrStoreUnavailable)
}

func (failingEntitlements) SaveEntitlement(context.Context, *tiersync.UserEntitlement, int64) error {
	return errors.New("unreachable")
}
