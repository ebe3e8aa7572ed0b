package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// SignHex is the lowercase hex HMAC-SHA256 of payload under secret.
func SignHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 is the standard base64 HMAC-SHA256 of payload under secret.
func SignBase64(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// EqualSignature compares signatures in constant time. An empty secret never
// verifies.
func EqualSignature(secret, got, want string) bool {
	if secret == "" || got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(want))
}
