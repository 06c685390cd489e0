// Package webhook implements ingestion of signed payment-provider events:
// signature verification, duplicate suppression and hand-off to the
// entitlement dispatcher.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

// SignatureHeader is the header carrying the delivery signature, in the form
// "t=<unix_ts>,v1=<hex_hmac>". Multiple v1 elements are accepted so secrets
// can rotate without dropping deliveries.
const SignatureHeader = "X-Signature"

// futureSkew is how far into the future a signature timestamp may sit before
// it is rejected. Providers and receivers rarely drift more than this.
const futureSkew = time.Minute

// Sign computes the signature header value for a payload at the given time.
// The digest covers "{timestamp}.{payload}" with HMAC-SHA256.
func Sign(secret, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks the header against the raw body. The body must be
// the exact byte sequence received on the wire: the digest is computed before
// any parsing. Verification fails closed on any malformed header, digest
// mismatch or timestamp outside the tolerance window.
func VerifySignature(secret, payload []byte, header string, tolerance time.Duration, now time.Time) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", tiersync.ErrSignatureInvalid)
	}
	if header == "" {
		return fmt.Errorf("%w: missing %s header", tiersync.ErrSignatureInvalid, SignatureHeader)
	}

	ts, candidates, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := now.Sub(time.Unix(ts, 0))
	if tolerance > 0 && age > tolerance {
		return fmt.Errorf("%w: timestamp too old (%s)", tiersync.ErrSignatureInvalid, age)
	}
	if age < -futureSkew {
		return fmt.Errorf("%w: timestamp in the future", tiersync.ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return fmt.Errorf("%w: digest mismatch", tiersync.ErrSignatureInvalid)
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var ts int64
	var candidates []string

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			parsed, err := strconv.ParseInt(part[len("t="):], 10, 64)
			if err != nil || parsed <= 0 {
				return 0, nil, fmt.Errorf("%w: bad timestamp element", tiersync.ErrSignatureInvalid)
			}
			ts = parsed
		case strings.HasPrefix(part, "v1="):
			candidates = append(candidates, strings.ToLower(part[len("v1="):]))
		}
		// Unknown elements (future scheme versions) are ignored.
	}

	if ts == 0 {
		return 0, nil, fmt.Errorf("%w: missing timestamp element", tiersync.ErrSignatureInvalid)
	}
	if len(candidates) == 0 {
		return 0, nil, fmt.Errorf("%w: missing v1 element", tiersync.ErrSignatureInvalid)
	}
	return ts, candidates, nil
}
