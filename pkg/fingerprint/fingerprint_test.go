package fingerprint_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scanwise/tiersync/pkg/fingerprint"
)

func TestGenerateStable(t *testing.T) {
	r1 := httptest.NewRequest("GET", "/scan", nil)
	r1.Header.Set("User-Agent", "ScanWise/3.2 (iPhone; iOS 19)")
	r1.Header.Set("Accept-Language", "en-US")
	r1.RemoteAddr = "203.0.113.9:51442"

	r2 := httptest.NewRequest("GET", "/other", nil)
	r2.Header.Set("User-Agent", "ScanWise/3.2 (iPhone; iOS 19)")
	r2.Header.Set("Accept-Language", "en-US")
	r2.RemoteAddr = "203.0.113.9:39004"

	fp1 := fingerprint.Generate(r1)
	fp2 := fingerprint.Generate(r2)
	assert.Equal(t, fp1, fp2, "same device signals, different port and path")
	assert.Len(t, fp1, 32)
}

func TestGenerateDistinguishesDevices(t *testing.T) {
	r1 := httptest.NewRequest("GET", "/scan", nil)
	r1.Header.Set("User-Agent", "ScanWise/3.2 (iPhone; iOS 19)")
	r1.RemoteAddr = "203.0.113.9:51442"

	r2 := httptest.NewRequest("GET", "/scan", nil)
	r2.Header.Set("User-Agent", "ScanWise/3.1 (Android 16)")
	r2.RemoteAddr = "203.0.113.9:51442"

	assert.NotEqual(t, fingerprint.Generate(r1), fingerprint.Generate(r2))
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.5")

	assert.Equal(t, "198.51.100.7", fingerprint.ClientIP(r))
}

func TestClientIPSkipsInvalidForwardedEntries(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("X-Forwarded-For", "not-an-ip, 198.51.100.7")

	assert.Equal(t, "198.51.100.7", fingerprint.ClientIP(r))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:51442"

	assert.Equal(t, "203.0.113.9", fingerprint.ClientIP(r))
}
