// Package webhook implements the subscriber-facing half of the event
// system: fan-out of domain events into per-endpoint delivery records,
// and the sender that POSTs them with HMAC signatures, retry backoff and
// the consecutive-failure circuit breaker.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign computes the delivery signature: hex-encoded HMAC-SHA256 over
// "<timestampMillis>.<payload>" under the endpoint secret. The timestamp
// is bound into the MAC so a captured request cannot be replayed later
// without detection.
func Sign(secret string, timestampMillis int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
