// Package signature recomputes and checks the authenticity proofs attached to
// payment gateway callbacks. Every verifier returns a plain bool: malformed,
// missing or mismatched input is a verification failure, never a panic.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const separator = "|"

// SignHMAC returns hex(HMAC-SHA256(secret, parts joined by "|")).
func SignHMAC(secret string, parts ...string) string {
	return hex.EncodeToString(hmacSHA256(secret, []byte(strings.Join(parts, separator))))
}

// SignBody returns hex(HMAC-SHA256(secret, body)).
func SignBody(secret string, body []byte) string {
	return hex.EncodeToString(hmacSHA256(secret, body))
}

// VerifyHMAC checks a client callback signature over "orderRef|paymentRef".
func VerifyHMAC(secret, orderRef, paymentRef, signatureHex string) bool {
	if secret == "" || orderRef == "" || paymentRef == "" {
		return false
	}
	expected := hmacSHA256(secret, []byte(orderRef+separator+paymentRef))
	return equalHex(expected, signatureHex)
}

// VerifyBodyHMAC checks a webhook signature computed over the exact request body bytes.
func VerifyBodyHMAC(secret string, body []byte, signatureHex string) bool {
	if secret == "" || len(body) == 0 {
		return false
	}
	return equalHex(hmacSHA256(secret, body), signatureHex)
}

func hmacSHA256(secret string, msg []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}

// equalHex decodes supplied and compares it with expected in constant time.
// A length mismatch returns before any byte comparison happens.
func equalHex(expected []byte, supplied string) bool {
	if len(supplied) != hex.EncodedLen(len(expected)) {
		return false
	}
	decoded, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, decoded) == 1
}
