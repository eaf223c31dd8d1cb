package testutil

import "sync"

// StubCredentials is an in-memory credential subsystem for session tests.
// Tokens can be added, revoked, and their revocation callbacks fire
// synchronously.
type StubCredentials struct {
	mu     sync.Mutex
	tokens map[string]bool
	subs   map[string][]func()

	// SubscribeCalls counts SubscribeRevoke invocations per token.
	SubscribeCalls map[string]int
}

func NewStubCredentials(tokenIDs ...string) *StubCredentials {
	c := &StubCredentials{
		tokens:         make(map[string]bool),
		subs:           make(map[string][]func()),
		SubscribeCalls: make(map[string]int),
	}
	for _, id := range tokenIDs {
		c.tokens[id] = true
	}
	return c
}

func (c *StubCredentials) TokenExists(tokenID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[tokenID]
}

func (c *StubCredentials) SubscribeRevoke(tokenID string, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls[tokenID]++
	c.subs[tokenID] = append(c.subs[tokenID], fn)
	return func() {}
}

// AddToken makes a token valid.
func (c *StubCredentials) AddToken(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[tokenID] = true
}

// RemoveToken makes a token invalid without firing revocation callbacks.
func (c *StubCredentials) RemoveToken(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, tokenID)
}

// Revoke removes the token and fires its revocation callbacks.
func (c *StubCredentials) Revoke(tokenID string) {
	c.mu.Lock()
	delete(c.tokens, tokenID)
	subs := c.subs[tokenID]
	delete(c.subs, tokenID)
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
