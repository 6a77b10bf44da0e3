package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Contex-Signature"

// EventHeader carries the update type.
const EventHeader = "X-Contex-Event"

// DeliveryHeader carries a unique id per delivery, stable across retries.
const DeliveryHeader = "X-Contex-Delivery"

const signaturePrefix = "sha256="

// Sign computes the signature header value for a webhook body: the hex
// HMAC-SHA256 of the exact bytes sent, prefixed with the algorithm.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
// Comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
