package session

import (
	"sync"
	"time"

	"github.com/home-assistant/core-sub043/internal/hub"
)

// Credentials is the credential subsystem the manager checks refresh tokens
// against and subscribes to for revocation.
type Credentials interface {
	// TokenExists reports whether the refresh token currently exists and
	// is not revoked.
	TokenExists(tokenID string) bool

	// SubscribeRevoke registers fn to run when the token is revoked and
	// returns a function that cancels the subscription.
	SubscribeRevoke(tokenID string, fn func()) (unsubscribe func())
}

// persistDebounce coalesces bursts of pool mutations into one store write.
const persistDebounce = time.Second

// Manager owns three session pools: authorized sessions backed by refresh
// tokens, unauthorized token-backed sessions for limited endpoints, and
// short-lived temporary sessions. Temporary sessions are never persisted.
// All pool access is serialized under one mutex, so concurrent validations
// observe a consistent state.
type Manager struct {
	mu           sync.Mutex
	authorized   map[string]*Authorized
	unauthorized map[string]string
	temp         map[string]time.Time
	subs         map[string]func()
	key          []byte
	timer        *time.Timer

	creds  Credentials
	store  *Store
	clock  hub.Clock
	logger hub.Logger
}

// NewManager loads the persisted pools and returns a ready manager. Already
// expired persisted sessions are silently dropped. A corrupt store is logged
// and replaced with empty pools rather than failing startup.
func NewManager(store *Store, creds Credentials, clock hub.Clock, logger hub.Logger) (*Manager, error) {
	m := &Manager{
		authorized:   make(map[string]*Authorized),
		unauthorized: make(map[string]string),
		temp:         make(map[string]time.Time),
		subs:         make(map[string]func()),
		creds:        creds,
		store:        store,
		clock:        clock,
		logger:       logger,
	}

	snap, err := store.Load()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	for id, s := range snap.Authorized {
		if s.expired(now) {
			continue
		}
		m.authorized[id] = s
		m.subscribe(s.RefreshTokenID)
	}
	for id, tokenID := range snap.Unauthorized {
		m.unauthorized[id] = tokenID
		m.subscribe(tokenID)
	}
	m.key = snap.Key
	return m, nil
}

// Key returns the symmetric key used to seal session cookies.
func (m *Manager) Key() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Validate looks up a session id and returns the access it grants together
// with the effective session id. The effective id differs from the input
// when the session rolled over to a fresh id near its absolute expiry; it is
// empty for Unauthenticated. A valid authorized session has its idle
// deadline bumped as a side effect.
func (m *Manager) Validate(sessionID string) (Access, string) {
	if sessionID == "" {
		return Unauthenticated, ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	if s, ok := m.authorized[sessionID]; ok {
		if s.expired(now) || !m.creds.TokenExists(s.RefreshTokenID) {
			m.evictLocked(sessionID)
			m.schedulePersistLocked()
			return Unauthenticated, ""
		}
		idle := now.Add(IdleTimeout)
		if idle.After(s.AbsoluteExpiry) && s.AbsoluteExpiry.Sub(now) < TransitionWindow {
			// Close to the hard cap: mint a replacement with fresh
			// windows so the client rolls over without re-login.
			newID := m.createAuthorizedLocked(s.RefreshTokenID, now)
			m.schedulePersistLocked()
			return AuthorizedAccess, newID
		}
		s.IdleExpiry = idle
		m.schedulePersistLocked()
		return AuthorizedAccess, sessionID
	}

	if expiry, ok := m.temp[sessionID]; ok {
		if now.After(expiry) {
			delete(m.temp, sessionID)
			return Unauthenticated, ""
		}
		return UnauthorizedAccess, sessionID
	}

	if tokenID, ok := m.unauthorized[sessionID]; ok {
		if !m.creds.TokenExists(tokenID) {
			m.evictLocked(sessionID)
			m.schedulePersistLocked()
			return Unauthenticated, ""
		}
		return UnauthorizedAccess, sessionID
	}

	return Unauthenticated, ""
}

// CreateSession mints an authorized session for a refresh token. It returns
// an empty id, without error, if the token no longer exists.
func (m *Manager) CreateSession(tokenID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.creds.TokenExists(tokenID) {
		return ""
	}
	id := m.createAuthorizedLocked(tokenID, m.clock.Now())
	m.schedulePersistLocked()
	return id
}

// createAuthorizedLocked mints a fresh authorized session and shrinks every
// other session on the same token down to the transition window, bounding how
// long superseded sessions stay usable.
func (m *Manager) createAuthorizedLocked(tokenID string, now time.Time) string {
	cutoff := now.Add(TransitionWindow)
	for _, s := range m.authorized {
		if s.RefreshTokenID == tokenID && s.AbsoluteExpiry.After(cutoff) {
			s.AbsoluteExpiry = cutoff
		}
	}
	m.subscribe(tokenID)

	id := newSessionID()
	m.authorized[id] = &Authorized{
		RefreshTokenID: tokenID,
		AbsoluteExpiry: now.Add(AbsoluteLifetime),
		IdleExpiry:     now.Add(IdleTimeout),
	}
	return id
}

// CreateUnauthorizedSession mints a token-backed session granting only the
// limited endpoints. It returns an empty id if the token no longer exists.
func (m *Manager) CreateUnauthorizedSession(tokenID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.creds.TokenExists(tokenID) {
		return ""
	}
	m.subscribe(tokenID)
	id := newSessionID()
	m.unauthorized[id] = tokenID
	m.schedulePersistLocked()
	return id
}

// CreateTempSession mints a temporary unauthenticated session capped at
// TempSessionLifetime. Temporary sessions live only in memory.
func (m *Manager) CreateTempSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := newSessionID()
	m.temp[id] = m.clock.Now().Add(TempSessionLifetime)
	return id
}

// subscribe registers the revocation callback for a token once; repeated
// registration for the same token is a no-op.
func (m *Manager) subscribe(tokenID string) {
	if _, ok := m.subs[tokenID]; ok {
		return
	}
	m.subs[tokenID] = m.creds.SubscribeRevoke(tokenID, func() {
		m.handleRevoked(tokenID)
	})
}

// handleRevoked drops every session tied to a revoked token in one pass.
func (m *Manager) handleRevoked(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.authorized {
		if s.RefreshTokenID == tokenID {
			delete(m.authorized, id)
		}
	}
	for id, t := range m.unauthorized {
		if t == tokenID {
			delete(m.unauthorized, id)
		}
	}
	if unsub, ok := m.subs[tokenID]; ok {
		delete(m.subs, tokenID)
		unsub()
	}
	m.logger.Info("sessions revoked", "token", tokenID)
	m.schedulePersistLocked()
}

// schedulePersistLocked arms the debounced store write. Mutations within the
// debounce window coalesce into a single write.
func (m *Manager) schedulePersistLocked() {
	if m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(persistDebounce, m.persist)
}

func (m *Manager) persist() {
	m.mu.Lock()
	m.timer = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.store.Save(snap); err != nil {
		m.logger.Error("persisting sessions failed", "error", err)
	}
}

func (m *Manager) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Authorized:   make(map[string]*Authorized, len(m.authorized)),
		Unauthorized: make(map[string]string, len(m.unauthorized)),
		Key:          m.key,
	}
	for id, s := range m.authorized {
		copied := *s
		snap.Authorized[id] = &copied
	}
	for id, tokenID := range m.unauthorized {
		snap.Unauthorized[id] = tokenID
	}
	return snap
}

// Close flushes any pending persist.
func (m *Manager) Close() error {
	m.mu.Lock()
	pending := m.timer != nil
	if pending {
		m.timer.Stop()
		m.timer = nil
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if !pending {
		return nil
	}
	return m.store.Save(snap)
}

func (m *Manager) evictLocked(sessionID string) {
	delete(m.authorized, sessionID)
	delete(m.unauthorized, sessionID)
	delete(m.temp, sessionID)
}
