package session_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/home-assistant/core-sub043/internal/hub"
	"github.com/home-assistant/core-sub043/internal/session"
	"github.com/home-assistant/core-sub043/internal/testutil"
)

func TestTokenRegistry_AddPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.json")

	reg, err := session.NewTokenRegistry(path, hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTokenRegistry() error = %v", err)
	}
	if reg.TokenExists("tok-1") {
		t.Error("TokenExists() = true in an empty registry")
	}
	if err := reg.Add("tok-1"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := reg.Add("tok-2"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := reg.Add("tok-1"); err != nil {
		t.Fatalf("Add() of an existing token error = %v", err)
	}

	reloaded, err := session.NewTokenRegistry(path, hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTokenRegistry() reload error = %v", err)
	}
	if !reloaded.TokenExists("tok-1") {
		t.Error("TokenExists() = false after reload")
	}
	if got := reloaded.List(); !reflect.DeepEqual(got, []string{"tok-1", "tok-2"}) {
		t.Errorf("List() = %v, want [tok-1 tok-2]", got)
	}
}

func TestTokenRegistry_RevokeFiresCallbacks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.json")

	reg, err := session.NewTokenRegistry(path, hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTokenRegistry() error = %v", err)
	}
	if err := reg.Add("tok-1"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	var kept, cancelled int
	reg.SubscribeRevoke("tok-1", func() { kept++ })
	unsub := reg.SubscribeRevoke("tok-1", func() { cancelled++ })
	unsub()

	if err := reg.Revoke("tok-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if kept != 1 {
		t.Errorf("kept callback ran %d times, want 1", kept)
	}
	if cancelled != 0 {
		t.Errorf("cancelled callback ran %d times, want 0", cancelled)
	}
	if reg.TokenExists("tok-1") {
		t.Error("TokenExists() = true after revocation")
	}

	// Revoking an unknown token is a no-op.
	if err := reg.Revoke("tok-9"); err != nil {
		t.Errorf("Revoke() of an unknown token error = %v", err)
	}

	reloaded, err := session.NewTokenRegistry(path, hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTokenRegistry() reload error = %v", err)
	}
	if reloaded.TokenExists("tok-1") {
		t.Error("revoked token survived a reload")
	}
}

func TestTokenRegistry_CorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{nope"), 0600); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	reg, err := session.NewTokenRegistry(path, hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTokenRegistry() error = %v, want empty registry", err)
	}
	if got := reg.List(); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
}

func TestTokenRegistry_DrivesSessionManager(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	reg, err := session.NewTokenRegistry(filepath.Join(dir, "tokens.json"), hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTokenRegistry() error = %v", err)
	}
	if err := reg.Add("tok-1"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	store := session.NewStore(filepath.Join(dir, "sessions.json"), hub.NewNopLogger())
	m, err := session.NewManager(store, reg, testutil.FixedClock(), hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	id := m.CreateSession("tok-1")
	if id == "" {
		t.Fatal("CreateSession() = empty id for a registered token")
	}
	if access, _ := m.Validate(id); access != session.AuthorizedAccess {
		t.Fatalf("Validate() = %v, want AuthorizedAccess", access)
	}

	if err := reg.Revoke("tok-1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if access, _ := m.Validate(id); access != session.Unauthenticated {
		t.Errorf("Validate() after revocation = %v, want Unauthenticated", access)
	}
	if got := m.CreateSession("tok-1"); got != "" {
		t.Errorf("CreateSession() = %q for a revoked token, want empty", got)
	}
}
