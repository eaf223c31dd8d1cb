// Package session maintains server-side login sessions with sliding and
// absolute expiry, tied to the refresh tokens of the credential subsystem.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Access is the authorization level a session grants.
type Access int

const (
	// Unauthenticated means no usable session; the caller should issue a
	// fresh empty one.
	Unauthenticated Access = iota
	// UnauthorizedAccess grants the narrow set of endpoints available to
	// temporary and sibling unauthorized sessions.
	UnauthorizedAccess
	// AuthorizedAccess grants full access backed by a live refresh token.
	AuthorizedAccess
)

func (a Access) String() string {
	switch a {
	case UnauthorizedAccess:
		return "unauthorized"
	case AuthorizedAccess:
		return "authorized"
	default:
		return "unauthenticated"
	}
}

const (
	// TempSessionLifetime caps temporary unauthenticated sessions.
	TempSessionLifetime = 5 * time.Minute
	// AbsoluteLifetime is the hard cap on an authorized session,
	// independent of usage.
	AbsoluteLifetime = 4 * time.Hour
	// IdleTimeout is the sliding deadline bumped on every validated use.
	IdleTimeout = 15 * time.Minute
	// TransitionWindow is the grace period near absolute expiry during
	// which a session rolls over to a fresh id, and the residual lifetime
	// granted to superseded sessions.
	TransitionWindow = 10 * time.Second
)

// Authorized is a full session backed by a refresh token. It is invalid the
// moment its token is revoked, regardless of expiry.
type Authorized struct {
	RefreshTokenID string
	AbsoluteExpiry time.Time
	IdleExpiry     time.Time
}

func (s *Authorized) expired(now time.Time) bool {
	return now.After(s.AbsoluteExpiry) || now.After(s.IdleExpiry)
}

// newSessionID returns a fresh 256-bit random identifier. Identifiers are
// bearer credentials, so they come straight from the CSPRNG and are never
// reused.
func newSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("session: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
