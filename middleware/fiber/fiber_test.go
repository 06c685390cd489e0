package fiber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwise/tiersync/pkg/tiersync"
	"github.com/scanwise/tiersync/storage/memory"
)

func newTestGate(t *testing.T) (*tiersync.TierGate, *memory.Store) {
	t.Helper()
	store := memory.New(memory.Config{SweepInterval: -1})
	t.Cleanup(store.Close)

	config := tiersync.DefaultConfig()
	limiter, err := tiersync.NewRateLimiter(store, config)
	require.NoError(t, err)
	gate, err := tiersync.NewTierGate(store, limiter, config)
	require.NoError(t, err)
	return gate, store
}

func newTestApp(gate *tiersync.TierGate, feature string) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{
		Gate:       gate,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FixedFeature(feature),
	}))
	app.Get("/scan", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/scan", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestMiddlewareQuotaFlow(t *testing.T) {
	gate, _ := newTestGate(t)
	app := newTestApp(gate, "scan")
	headers := map[string]string{DeviceIDHeader: "device-abc"}

	for _, wantRemaining := range []string{"2", "1", "0"} {
		resp := doRequest(t, app, headers)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "free", resp.Header.Get("X-Tier"))
		assert.Equal(t, wantRemaining, resp.Header.Get("X-Quota-Remaining"))
	}

	resp := doRequest(t, app, headers)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "limit reached")
}

func TestMiddlewareCapabilityDenial(t *testing.T) {
	gate, _ := newTestGate(t)
	app := newTestApp(gate, "detailedAnalysis")

	resp := doRequest(t, app, map[string]string{"X-User-ID": "user-free"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Retry-After"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "premium")
}

func TestMiddlewarePremiumUnlimited(t *testing.T) {
	gate, store := newTestGate(t)
	require.NoError(t, store.SaveEntitlement(context.Background(), &tiersync.UserEntitlement{
		UserID:    "user-premium",
		Tier:      tiersync.TierPremium,
		Status:    tiersync.StatusActive,
		UpdatedAt: time.Now().UTC(),
	}, 0))

	app := newTestApp(gate, "scan")

	for i := 0; i < 20; i++ {
		resp := doRequest(t, app, map[string]string{"X-User-ID": "user-premium"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "unlimited", resp.Header.Get("X-Quota-Remaining"))
	}
}

func TestMiddlewareIdentityStored(t *testing.T) {
	gate, _ := newTestGate(t)

	var got tiersync.Identity
	var ok bool
	app := fiber.New()
	app.Use(Middleware(Config{
		Gate:       gate,
		GetUserID:  FromLocals("userID"),
		GetFeature: FixedFeature("scan"),
	}))
	app.Get("/scan", func(c *fiber.Ctx) error {
		got, ok = IdentityFromContext(c)
		return c.SendStatus(fiber.StatusOK)
	})

	// No auth locals set, so the device header keys the identity.
	resp := doRequest(t, app, map[string]string{DeviceIDHeader: "device-xyz"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, ok)
	assert.Equal(t, tiersync.DeviceIdentity("device-xyz"), got)
}

func TestMiddlewareFeatureFromParam(t *testing.T) {
	gate, _ := newTestGate(t)

	app := fiber.New()
	app.Get("/features/:feature", Middleware(Config{
		Gate:       gate,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FeatureFromParam("feature"),
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/features/exportReports", nil)
	req.Header.Set("X-User-ID", "user-free")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "exportReports")
}

func TestMiddlewareRequiresGate(t *testing.T) {
	assert.Panics(t, func() {
		Middleware(Config{GetFeature: FixedFeature("scan")})
	})
	assert.Panics(t, func() {
		Middleware(Config{Gate: &tiersync.TierGate{}})
	})
}
