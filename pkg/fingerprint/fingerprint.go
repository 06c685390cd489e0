// Package fingerprint derives a stable anonymous identity from an HTTP
// request. The fingerprint combines the User-Agent, Accept headers, and
// client IP into a 32-character hex string, so devices that never sign in
// can still be rate limited consistently across requests. A fingerprint is
// weaker than a client-supplied device ID: clients behind the same NAT with
// identical browser configurations collide.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Generate creates a device fingerprint from the HTTP request.
func Generate(r *http.Request) string {
	return FromComponents(
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
		r.Header.Get("Accept"),
		ClientIP(r),
	)
}

// FromComponents hashes raw request attributes into a fingerprint. Use this
// from frameworks that do not expose a *http.Request.
func FromComponents(components ...string) string {
	var filtered []string
	for _, comp := range components {
		if comp != "" {
			filtered = append(filtered, comp)
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(filtered, "|")))
	return hex.EncodeToString(hash[:16])
}

// ClientIP returns the client's IP address, preferring proxy headers over
// the raw connection address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// X-Forwarded-For can carry multiple hops; take the first valid IP.
		for _, ip := range strings.Split(forwarded, ",") {
			if parsed := parseIP(strings.TrimSpace(ip)); parsed != "" {
				return parsed
			}
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if parsed := parseIP(ip); parsed != "" {
			return parsed
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
