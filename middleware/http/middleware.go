// Package http provides HTTP middleware for tier-gated feature access
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/scanwise/tiersync/pkg/fingerprint"
	"github.com/scanwise/tiersync/pkg/tiersync"
)

// UserIDExtractor extracts the authenticated user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// FeatureExtractor extracts the feature name from an HTTP request
// For example: "scan", "detailedAnalysis", "exportReports"
type FeatureExtractor func(r *http.Request) string

// DeviceIDHeader carries a client-chosen device identifier for anonymous
// requests. When absent, a fingerprint is derived from the request instead.
const DeviceIDHeader = "X-Device-Id"

// Config holds middleware configuration
type Config struct {
	// Gate is the tier gate instance (required)
	Gate *tiersync.TierGate

	// GetUserID extracts the authenticated user ID from the request.
	// Anonymous requests fall back to a device identity.
	GetUserID UserIDExtractor

	// GetFeature extracts the feature name from the request (required)
	GetFeature FeatureExtractor

	// OnDenied is called when access is denied
	// If nil, writes a JSON denial with 403 (capability) or 429 (quota)
	OnDenied func(w http.ResponseWriter, r *http.Request, d *tiersync.AccessDecision)

	// OnError is called when the gate itself fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces tier access
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromRequest(r, config.GetUserID)
			feature := config.GetFeature(r)

			decision, err := config.Gate.CheckAccess(r.Context(), id, feature)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			setQuotaHeaders(w.Header(), decision)
			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					WriteDenied(w, decision)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces tier access (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// IdentityFromRequest resolves the request identity: authenticated user ID if
// the extractor yields one, otherwise the X-Device-Id header, otherwise a
// fingerprint derived from the request.
func IdentityFromRequest(r *http.Request, getUserID UserIDExtractor) tiersync.Identity {
	if getUserID != nil {
		if userID := getUserID(r); userID != "" {
			return tiersync.UserIdentity(userID)
		}
	}
	if deviceID := r.Header.Get(DeviceIDHeader); deviceID != "" {
		return tiersync.DeviceIdentity(deviceID)
	}
	return tiersync.DeviceIdentity(fingerprint.Generate(r))
}

// WriteDenied writes the standard JSON denial response: 429 for exhausted
// quota (with Retry-After), 403 for a capability the tier lacks.
func WriteDenied(w http.ResponseWriter, d *tiersync.AccessDecision) {
	status := http.StatusForbidden
	if !d.ResetAt.IsZero() {
		status = http.StatusTooManyRequests
		retryAfter := int(time.Until(d.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Nothing useful to do with a write error here.
	_ = json.NewEncoder(w).Encode(deniedBody(d))
}

func deniedBody(d *tiersync.AccessDecision) map[string]any {
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
	return body
}

func setQuotaHeaders(h http.Header, d *tiersync.AccessDecision) {
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

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "tiersync:userID"

	identityKey ContextKey = "tiersync:identity"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedFeature returns a FeatureExtractor that always returns a fixed feature name
func FixedFeature(feature string) FeatureExtractor {
	return func(r *http.Request) string {
		return feature
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithIdentity adds the resolved identity to a context
func WithIdentity(ctx context.Context, id tiersync.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity the middleware resolved, if any
func IdentityFromContext(ctx context.Context) (tiersync.Identity, bool) {
	id, ok := ctx.Value(identityKey).(tiersync.Identity)
	return id, ok
}
