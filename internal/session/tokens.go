package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/home-assistant/core-sub043/internal/hub"
)

const tokenRegistryVersion = 1

// TokenRegistry is a file-backed record of refresh token ids and the
// Credentials source for locally managed sessions. Removing a token fires the
// revocation callbacks the session manager registered for it, so every
// session tied to that token dies with it.
type TokenRegistry struct {
	mu     sync.Mutex
	path   string
	tokens map[string]bool
	subs   map[string]map[int]func()
	nextID int
	logger hub.Logger
}

type tokenFile struct {
	Version int      `json:"version"`
	Tokens  []string `json:"tokens"`
}

// NewTokenRegistry loads the registry at path. A missing file yields an empty
// registry; a corrupt one is logged and treated the same way.
func NewTokenRegistry(path string, logger hub.Logger) (*TokenRegistry, error) {
	r := &TokenRegistry{
		path:   path,
		tokens: make(map[string]bool),
		subs:   make(map[string]map[int]func()),
		logger: logger,
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token registry: %w", err)
	}

	var file tokenFile
	if err := json.Unmarshal(raw, &file); err != nil {
		logger.Warn("token registry is corrupt, starting empty", "path", path, "error", err)
		return r, nil
	}
	if file.Version != tokenRegistryVersion {
		logger.Warn("token registry has unknown version, starting empty", "path", path, "version", file.Version)
		return r, nil
	}
	for _, id := range file.Tokens {
		r.tokens[id] = true
	}
	return r, nil
}

// TokenExists reports whether the token is registered.
func (r *TokenRegistry) TokenExists(tokenID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[tokenID]
}

// SubscribeRevoke registers fn to run when the token is removed. The returned
// function cancels the subscription.
func (r *TokenRegistry) SubscribeRevoke(tokenID string, fn func()) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[tokenID] == nil {
		r.subs[tokenID] = make(map[int]func())
	}
	id := r.nextID
	r.nextID++
	r.subs[tokenID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[tokenID], id)
	}
}

// Add registers a token and persists the registry. Adding an existing token
// is a no-op.
func (r *TokenRegistry) Add(tokenID string) error {
	if tokenID == "" {
		return fmt.Errorf("token id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[tokenID] {
		return nil
	}
	r.tokens[tokenID] = true
	return r.saveLocked()
}

// Revoke removes a token, persists the registry, and fires every revocation
// callback registered for it. Revoking an unknown token is a no-op.
func (r *TokenRegistry) Revoke(tokenID string) error {
	r.mu.Lock()
	if !r.tokens[tokenID] {
		r.mu.Unlock()
		return nil
	}
	delete(r.tokens, tokenID)
	callbacks := make([]func(), 0, len(r.subs[tokenID]))
	for _, fn := range r.subs[tokenID] {
		callbacks = append(callbacks, fn)
	}
	err := r.saveLocked()
	r.mu.Unlock()

	// Callbacks re-enter the subscriber, so they run outside the lock.
	for _, fn := range callbacks {
		fn()
	}
	return err
}

// List returns the registered token ids, sorted.
func (r *TokenRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *TokenRegistry) saveLocked() (err error) {
	file := tokenFile{Version: tokenRegistryVersion}
	for id := range r.tokens {
		file.Tokens = append(file.Tokens, id)
	}
	sort.Strings(file.Tokens)

	data, err := json.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encoding token registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("creating token registry directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(r.path), ".tokens-*")
	if err != nil {
		return fmt.Errorf("creating token registry file: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = f.Chmod(0600); err != nil {
		f.Close()
		return fmt.Errorf("restricting token registry file: %w", err)
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing token registry: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing token registry: %w", err)
	}
	if err = os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("placing token registry: %w", err)
	}
	return nil
}
