package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cookie names. The "__Host-" prefix is only valid over HTTPS, so insecure
// connections fall back to the plain name.
const (
	CookieName       = "HAB_SESSION"
	SecureCookieName = "__Host-" + CookieName
)

// CookieNameFor returns the cookie name for the connection kind.
func CookieNameFor(secure bool) string {
	if secure {
		return SecureCookieName
	}
	return CookieName
}

// MaxAgeFor returns the cookie max-age matching the duration that governs a
// session with the given access: the absolute cap for authorized sessions,
// the temporary lifetime otherwise. Unauthenticated has no cookie to age.
func MaxAgeFor(access Access) time.Duration {
	switch access {
	case AuthorizedAccess:
		return AbsoluteLifetime
	case UnauthorizedAccess:
		return TempSessionLifetime
	default:
		return 0
	}
}

// SealCookie encrypts a session id into an opaque cookie value using the
// manager's key. The value is base64url(nonce || ciphertext).
func SealCookie(key []byte, sessionID string) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("building cookie cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(sessionID), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenCookie decrypts a cookie value back to a session id. Any decode or
// authentication failure yields an empty id, which validates as
// Unauthenticated; a tampered cookie is indistinguishable from a missing one.
func OpenCookie(key []byte, value string) string {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return ""
	}
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(sealed) < aead.NonceSize() {
		return ""
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ""
	}
	return string(plain)
}
