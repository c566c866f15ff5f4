package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// Sign computes "sha256=" + HMAC_SHA256(secret, body) hex-encoded (§4.6,
// §6). HMAC-SHA256 is a one-line stdlib primitive with no ecosystem
// replacement among the example repos that sign payloads; crypto/hmac +
// crypto/sha256 is the grounded choice.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body using constant-time comparison,
// mirroring the original's hmac.compare_digest.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateSecret returns a 32-byte, URL-safe CSPRNG-generated webhook
// secret, matching the original's secrets.token_urlsafe(32).
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
