package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"agrimap.org/internal/ids"
)

// Refresh token values travel as "<id>.<secret>". Only the sha256 of the
// secret is persisted, so a dumped table cannot be replayed; lookups key on
// the id half and the secret is compared in constant time.

func newTokenValue() (value, id, hash string, err error) {
	secretBytes := make([]byte, 32)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	id = ids.New()
	return id + "." + secret, id, hashSecret(secret), nil
}

func splitTokenValue(raw string) (id, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatchesHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// TokenSuffix redacts a token hash to its trailing characters for session
// listings.
func TokenSuffix(hash string) string {
	const n = 8
	if len(hash) <= n {
		return hash
	}
	return hash[len(hash)-n:]
}
