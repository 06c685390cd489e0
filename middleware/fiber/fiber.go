// Package fiber provides Fiber middleware for tier-gated feature access
package fiber

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scanwise/tiersync/pkg/fingerprint"
	"github.com/scanwise/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the authenticated user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// FeatureExtractor extracts the feature name from a Fiber context
// For example: "scan", "detailedAnalysis", "exportReports"
type FeatureExtractor func(c *fiber.Ctx) string

// DeviceIDHeader carries a client-chosen device identifier for anonymous
// requests. When absent, a fingerprint is derived from the request instead.
const DeviceIDHeader = "X-Device-Id"

// IdentityKey is the Fiber locals key holding the resolved identity
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
	OnDenied func(c *fiber.Ctx, d *tiersync.AccessDecision) error

	// OnError is called when the gate itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces tier access
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("tiersync/fiber: Config.Gate is required")
	}
	if cfg.GetFeature == nil {
		panic("tiersync/fiber: Config.GetFeature is required")
	}

	return func(c *fiber.Ctx) error {
		id := resolveIdentity(c, cfg.GetUserID)
		feature := cfg.GetFeature(c)

		decision, err := cfg.Gate.CheckAccess(c.UserContext(), id, feature)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
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

		c.Locals(IdentityKey, id)
		return c.Next()
	}
}

// IdentityFromContext returns the identity the middleware resolved, if any
func IdentityFromContext(c *fiber.Ctx) (tiersync.Identity, bool) {
	id, ok := c.Locals(IdentityKey).(tiersync.Identity)
	return id, ok
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns an UserIDExtractor that reads the user ID set by an
// upstream auth middleware via c.Locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(c *fiber.Ctx) string {
		return feature
	}
}

// FeatureFromParam returns a FeatureExtractor that reads a route parameter
func FeatureFromParam(name string) FeatureExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(name)
	}
}

func resolveIdentity(c *fiber.Ctx, getUserID UserIDExtractor) tiersync.Identity {
	if getUserID != nil {
		if userID := getUserID(c); userID != "" {
			return tiersync.UserIdentity(userID)
		}
	}
	if deviceID := c.Get(DeviceIDHeader); deviceID != "" {
		return tiersync.DeviceIdentity(deviceID)
	}
	return tiersync.DeviceIdentity(fingerprint.FromComponents(
		c.Get(fiber.HeaderUserAgent),
		c.Get(fiber.HeaderAcceptLanguage),
		c.Get(fiber.HeaderAcceptEncoding),
		c.Get(fiber.HeaderAccept),
		c.IP(),
	))
}

func defaultDenied(c *fiber.Ctx, d *tiersync.AccessDecision) error {
	status := fiber.StatusForbidden
	if !d.ResetAt.IsZero() {
		status = fiber.StatusTooManyRequests
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	}

	body := fiber.Map{
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
	return c.Status(status).JSON(body)
}

func setQuotaHeaders(c *fiber.Ctx, d *tiersync.AccessDecision) {
	c.Set("X-Tier", string(d.Tier))
	if d.Remaining == tiersync.LimitUnlimited {
		c.Set("X-Quota-Remaining", "unlimited")
		return
	}
	c.Set("X-Quota-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Set("X-Quota-Reset", d.ResetAt.UTC().Format(time.RFC3339))
	}
}
