// Package echo provides Echo middleware for tier-gated feature access
package echo

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/scanwise/tiersync/pkg/fingerprint"
	"github.com/scanwise/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the authenticated user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// FeatureExtractor extracts the feature name from an Echo context
// For example: "scan", "detailedAnalysis", "exportReports"
type FeatureExtractor func(c echo.Context) string

// DeviceIDHeader carries a client-chosen device identifier for anonymous
// requests. When absent, a fingerprint is derived from the request instead.
const DeviceIDHeader = "X-Device-Id"

// IdentityKey is the Echo context key holding the resolved identity
const IdentityKey = "tiersync:identity"

// Config holds middleware configuration
type Config struct {
	// Gate is the tier gate instance (required)
	Gate *tiersync.TierGate

	// GetUserID extracts the authenticated user ID from the context.
	// Anonymous requests fall back to a device identity.
	GetUserID UserIDExtractor

	// GetFeature extracts the feature name from the context (required)
	GetFeature FeatureExtractor

	// OnDenied is called when access is denied
	// If nil, writes a JSON denial with 403 (capability) or 429 (quota)
	OnDenied func(c echo.Context, d *tiersync.AccessDecision) error

	// OnError is called when the gate itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces tier access
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("tiersync/echo: Config.Gate is required")
	}
	if cfg.GetFeature == nil {
		panic("tiersync/echo: Config.GetFeature is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := resolveIdentity(c, cfg.GetUserID)
			feature := cfg.GetFeature(c)

			decision, err := cfg.Gate.CheckAccess(c.Request().Context(), id, feature)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]any{
					"error": "internal server error",
				})
			}

			setQuotaHeaders(c, decision)
			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return defaultDenied(c, decision)
			}

			c.Set(IdentityKey, id)
			return next(c)
		}
	}
}

// IdentityFromContext returns the identity the middleware resolved, if any
func IdentityFromContext(c echo.Context) (tiersync.Identity, bool) {
	id, ok := c.Get(IdentityKey).(tiersync.Identity)
	return id, ok
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(c echo.Context) string {
		return feature
	}
}

// FeatureFromParam returns a FeatureExtractor that reads a route parameter
func FeatureFromParam(name string) FeatureExtractor {
	return func(c echo.Context) string {
		return c.Param(name)
	}
}

func resolveIdentity(c echo.Context, getUserID UserIDExtractor) tiersync.Identity {
	if getUserID != nil {
		if userID := getUserID(c); userID != "" {
			return tiersync.UserIdentity(userID)
		}
	}
	if deviceID := c.Request().Header.Get(DeviceIDHeader); deviceID != "" {
		return tiersync.DeviceIdentity(deviceID)
	}
	return tiersync.DeviceIdentity(fingerprint.Generate(c.Request()))
}

func defaultDenied(c echo.Context, d *tiersync.AccessDecision) error {
	status := http.StatusForbidden
	if !d.ResetAt.IsZero() {
		status = http.StatusTooManyRequests
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	body := map[string]any{
		"allowed": false,
		"tier":    string(d.Tier),
		"reason":  d.UpgradeReason,
	}
	if d.Remaining != tiersync.LimitUnlimited {
		body["remaining"] = d.Remaining
	}
	if !d.ResetAt.IsZero() {
		body["reset_at"] = d.ResetAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(status, body)
}

func setQuotaHeaders(c echo.Context, d *tiersync.AccessDecision) {
	h := c.Response().Header()
	h.Set("X-Tier", string(d.Tier))
	if d.Remaining == tiersync.LimitUnlimited {
		h.Set("X-Quota-Remaining", "unlimited")
		return
	}
	h.Set("X-Quota-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-Quota-Reset", d.ResetAt.UTC().Format(time.RFC3339))
	}
}
