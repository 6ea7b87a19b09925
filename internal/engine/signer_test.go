package engine

import (
	"encoding/hex"
	"testing"
	"time"
)

func TestSign_RoundTrip(t *testing.T) {
	payload := []byte(`{"case_id":"c-123","status":"open"}`)
	secret := "whsec_test"
	ts := time.Unix(1700000000, 0)

	sig1 := Sign(payload, secret, ts)
	sig2 := Sign(payload, secret, ts)

	if sig1 != sig2 {
		t.Error("signing is deterministic — same inputs must produce the same signature")
	}

	if !Verify(payload, secret, ts, sig1) {
		t.Error("Verify should accept a signature produced by Sign with the same inputs")
	}
}

func TestSign_HexSHA256Length(t *testing.T) {
	sig := Sign([]byte(`{}`), "secret", time.Now())

	decoded, err := hex.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature is not valid hex: %v", err)
	}
	if len(decoded) != 32 {
		t.Fatalf("HMAC-SHA256 should produce 32 bytes, got %d", len(decoded))
	}
}

func TestSign_PayloadTamperChangesSignature(t *testing.T) {
	secret := "secret"
	ts := time.Unix(1700000000, 0)
	payload := []byte(`{"amount":100}`)

	original := Sign(payload, secret, ts)

	tampered := make([]byte, len(payload))
	copy(tampered, payload)
	tampered[len(tampered)-3] ^= 0x01 // flip one bit

	if Sign(tampered, secret, ts) == original {
		t.Error("changing one byte of the payload must change the signature")
	}
	if Verify(tampered, secret, ts, original) {
		t.Error("Verify must reject a tampered payload")
	}
}

func TestSign_TimestampBoundIntoSignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	secret := "secret"

	sig1 := Sign(payload, secret, time.Unix(1700000000, 0))
	sig2 := Sign(payload, secret, time.Unix(1700000001, 0))

	if sig1 == sig2 {
		t.Error("different timestamps must produce different signatures (replay protection)")
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"a":1}`)
	ts := time.Unix(1700000000, 0)

	if Sign(payload, "secret-1", ts) == Sign(payload, "secret-2", ts) {
		t.Error("different secrets must produce different signatures")
	}
}

func TestVerify_RejectsWrongSignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	ts := time.Unix(1700000000, 0)

	if Verify(payload, "secret", ts, "deadbeef") {
		t.Error("Verify must reject a bogus signature")
	}
}
