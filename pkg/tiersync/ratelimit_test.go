package tiersync_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/scanwise/tiersync/pkg/tiersync"
	"github.com/scanwise/tiersync/storage/memory"
)

func newTestLimiter(t *testing.T, now func() time.Time) (*tiersync.RateLimiter, *memory.Store) {
	t.Helper()
	store := memory.New(memory.Config{SweepInterval: -1, Now: now})
	t.Cleanup(store.Close)

	config := tiersync.DefaultConfig()
	if now != nil {
		config.Now = now
	}
	limiter, err := tiersync.NewRateLimiter(store, config)
	require.NoError(t, err)
	return limiter, store
}

func TestAllowCountsDownAndDenies(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	id := tiersync.DeviceIdentity("fp-1")

	for want := 2; want >= 0; want-- {
		dec, err := limiter.Allow(ctx, id, 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, want, dec.Remaining)
	}

	dec, err := limiter.Allow(ctx, id, 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)
	assert.False(t, dec.ResetAt.IsZero())
}

func TestAllowWindowResets(t *testing.T) {
	now := testBase
	clock := func() time.Time { return now }
	limiter, _ := newTestLimiter(t, clock)
	ctx := context.Background()
	id := tiersync.UserIdentity("user-1")

	for i := 0; i < 3; i++ {
		dec, err := limiter.Allow(ctx, id, 3, time.Hour)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	dec, err := limiter.Allow(ctx, id, 3, time.Hour)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	assert.Equal(t, testBase.Add(time.Hour), dec.ResetAt)

	// Cross the window boundary: a fresh allowance starts at the new instant.
	now = testBase.Add(time.Hour)
	dec, err = limiter.Allow(ctx, id, 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 2, dec.Remaining)
	assert.Equal(t, testBase.Add(2*time.Hour), dec.ResetAt)
}

func TestAllowUnlimitedSkipsStore(t *testing.T) {
	limiter, store := newTestLimiter(t, nil)
	ctx := context.Background()
	id := tiersync.UserIdentity("user-1")

	for i := 0; i < 50; i++ {
		dec, err := limiter.Allow(ctx, id, tiersync.LimitUnlimited, time.Hour)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, tiersync.LimitUnlimited, dec.Remaining)
	}

	// No window was ever created.
	rec, err := store.PeekWindow(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAllowZeroLimitDeniesWithoutWindow(t *testing.T) {
	limiter, store := newTestLimiter(t, nil)
	ctx := context.Background()
	id := tiersync.UserIdentity("user-1")

	dec, err := limiter.Allow(ctx, id, 0, time.Hour)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	rec, err := store.PeekWindow(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAllowSeparatesIdentityNamespaces(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	// Same raw ID in the two namespaces must not share a bucket.
	for i := 0; i < 3; i++ {
		dec, err := limiter.Allow(ctx, tiersync.DeviceIdentity("abc"), 3, time.Hour)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	dec, err := limiter.Allow(ctx, tiersync.DeviceIdentity("abc"), 3, time.Hour)
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	dec, err = limiter.Allow(ctx, tiersync.UserIdentity("abc"), 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "user bucket starts fresh")
}

func TestAllowConcurrentNeverOverAdmits(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)
	ctx := context.Background()
	id := tiersync.DeviceIdentity("fp-contended")

	var allowed atomic.Int32
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			dec, err := limiter.Allow(ctx, id, 3, time.Hour)
			if err != nil {
				return err
			}
			if dec.Allowed {
				allowed.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 3, allowed.Load())
}

func TestAllowForTier(t *testing.T) {
	now := testBase
	limiter, _ := newTestLimiter(t, func() time.Time { return now })
	ctx := context.Background()

	// Devices get the anonymous allowance regardless of tier.
	for i := 0; i < 3; i++ {
		dec, err := limiter.AllowForTier(ctx, tiersync.DeviceIdentity("fp-1"), tiersync.TierPremium)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	dec, err := limiter.AllowForTier(ctx, tiersync.DeviceIdentity("fp-1"), tiersync.TierPremium)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	// Premium users are unlimited.
	dec, err = limiter.AllowForTier(ctx, tiersync.UserIdentity("user-1"), tiersync.TierPremium)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, tiersync.LimitUnlimited, dec.Remaining)

	// Free users get the tier table's daily limit.
	dec, err = limiter.AllowForTier(ctx, tiersync.UserIdentity("user-2"), tiersync.TierFree)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 9, dec.Remaining)
}
