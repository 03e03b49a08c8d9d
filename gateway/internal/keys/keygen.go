package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"

	"github.com/pkg/errors"

	"xbrl_api/gateway/internal/models"
)

const secretLength = 32

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// keyPattern matches a well-formed plaintext key. Checked before any
// digest work so malformed credentials are rejected cheaply.
var keyPattern = regexp.MustCompile(`^xbrl_live_[A-Za-z0-9]{32}$`)

// Generate returns a new plaintext API key: the fixed prefix, an
// underscore, and 32 random alphanumeric characters.
func Generate() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	for i, b := range buf {
		buf[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return models.KeyPrefix + "_" + string(buf), nil
}

// ValidFormat reports whether plaintext looks like an issued key.
func ValidFormat(plaintext string) bool {
	return keyPattern.MatchString(plaintext)
}

// Digest computes the stored digest of a plaintext key: HMAC-SHA256 over
// the key with the server derive secret, hex encoded. The plaintext is
// never stored; this digest is the only durable representation.
func Digest(secret, plaintext string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
