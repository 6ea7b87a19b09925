package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Sign computes the delivery signature: hex-encoded HMAC-SHA256 over the
// canonical string "<unix-timestamp>.<payload>". Binding the timestamp into
// the signed string lets receivers reject replays of old deliveries.
//
// Signing is pure and stateless. The secret must never be logged.
func Sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Receivers
// are expected to use this (or an equivalent constant-time comparison) rather
// than a plain string equality.
func Verify(payload []byte, secret string, ts time.Time, signature string) bool {
	expected := Sign(payload, secret, ts)
	return hmac.Equal([]byte(expected), []byte(signature))
}
