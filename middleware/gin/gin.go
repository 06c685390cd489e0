// Package gin provides Gin middleware for tier-gated feature access
package gin

import (
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/scanwise/tiersync/pkg/fingerprint"
	"github.com/scanwise/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the authenticated user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// FeatureExtractor extracts the feature name from a Gin context
// For example: "scan", "detailedAnalysis", "exportReports"
type FeatureExtractor func(c *gongin.Context) string

// DeviceIDHeader carries a client-chosen device identifier for anonymous
// requests. When absent, a fingerprint is derived from the request instead.
const DeviceIDHeader = "X-Device-Id"

// IdentityKey is the Gin context key holding the resolved identity
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
	OnDenied func(c *gongin.Context, d *tiersync.AccessDecision)

	// OnError is called when the gate itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces tier access
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("tiersync/gin: Config.Gate is required")
	}
	if cfg.GetFeature == nil {
		panic("tiersync/gin: Config.GetFeature is required")
	}

	return func(c *gongin.Context) {
		id := resolveIdentity(c, cfg.GetUserID)
		feature := cfg.GetFeature(c)

		decision, err := cfg.Gate.CheckAccess(c.Request.Context(), id, feature)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{
					"error": "internal server error",
				})
			}
			c.Abort()
			return
		}

		setQuotaHeaders(c, decision)
		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				defaultDenied(c, decision)
			}
			c.Abort()
			return
		}

		c.Set(IdentityKey, id)
		c.Next()
	}
}

// IdentityFromContext returns the identity the middleware resolved, if any
func IdentityFromContext(c *gongin.Context) (tiersync.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return tiersync.Identity{}, false
	}
	id, ok := v.(tiersync.Identity)
	return id, ok
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContextKey returns an UserIDExtractor that reads the user ID set by an
// upstream auth middleware via c.Set
func FromContextKey(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(c *gongin.Context) string {
		return feature
	}
}

// FeatureFromParam returns a FeatureExtractor that reads a route parameter
func FeatureFromParam(name string) FeatureExtractor {
	return func(c *gongin.Context) string {
		return c.Param(name)
	}
}

func resolveIdentity(c *gongin.Context, getUserID UserIDExtractor) tiersync.Identity {
	if getUserID != nil {
		if userID := getUserID(c); userID != "" {
			return tiersync.UserIdentity(userID)
		}
	}
	if deviceID := c.GetHeader(DeviceIDHeader); deviceID != "" {
		return tiersync.DeviceIdentity(deviceID)
	}
	return tiersync.DeviceIdentity(fingerprint.Generate(c.Request))
}

func defaultDenied(c *gongin.Context, d *tiersync.AccessDecision) {
	status := http.StatusForbidden
	if !d.ResetAt.IsZero() {
		status = http.StatusTooManyRequests
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}

	body := gongin.H{
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
	c.JSON(status, body)
}

func setQuotaHeaders(c *gongin.Context, d *tiersync.AccessDecision) {
	c.Header("X-Tier", string(d.Tier))
	if d.Remaining == tiersync.LimitUnlimited {
		c.Header("X-Quota-Remaining", "unlimited")
		return
	}
	c.Header("X-Quota-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header("X-Quota-Reset", d.ResetAt.UTC().Format(time.RFC3339))
	}
}
