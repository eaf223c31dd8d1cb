package hub_test

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/home-assistant/core-sub043/internal/agent"
	"github.com/home-assistant/core-sub043/internal/archive"
	"github.com/home-assistant/core-sub043/internal/hub"
	"github.com/home-assistant/core-sub043/internal/testutil"
)

// writeLocalArchive writes a minimal valid archive into the local agent's
// directory and returns its backup record.
func writeLocalArchive(t *testing.T, local *agent.Local, id, name string) *hub.Backup {
	t.Helper()

	var inner bytes.Buffer
	tw := tar.NewWriter(&inner)
	if err := tw.WriteHeader(&tar.Header{Name: "data/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatalf("writing inner header: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing inner tar: %v", err)
	}

	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	if _, err := gz.Write(inner.Bytes()); err != nil {
		t.Fatalf("compressing payload: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}

	m := &archive.Manifest{
		Slug:          id,
		Name:          name,
		Date:          "2026-03-10T08:15:00Z",
		Type:          "partial",
		Folders:       []string{},
		HomeAssistant: &archive.SystemInfo{Version: "2026.3.1"},
		Compressed:    true,
	}
	if err := archive.WriteArchive(local.BackupPath(id), m, &gzipped, int64(gzipped.Len())); err != nil {
		t.Fatalf("WriteArchive() error = %v", err)
	}

	info, err := os.Stat(local.BackupPath(id))
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	b := hub.BackupFromManifest(m, info.Size())
	b.AgentNames = []string{local.Name()}
	return b
}

func newTestStore(t *testing.T, remotes ...hub.Agent) (*hub.Store, *agent.Local) {
	t.Helper()
	local, err := agent.NewLocal(t.TempDir(), hub.NewNopLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	return hub.NewStore(local, remotes, hub.NewNopLogger()), local
}

func TestStore_LoadBackups_MergesAgents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := testutil.NewMemoryAgent("backup.s3.test")
	store, local := newTestStore(t, remote)

	shared := writeLocalArchive(t, local, "aaaa1111", "Shared")
	writeLocalArchive(t, local, "bbbb2222", "Local only")
	remote.Put(shared, []byte("archive bytes"))
	remote.Put(&hub.Backup{ID: "cccc3333", Name: "Remote only"}, []byte("archive bytes"))

	backups, err := store.LoadBackups(ctx)
	if err != nil {
		t.Fatalf("LoadBackups() error = %v", err)
	}

	if len(backups) != 3 {
		t.Fatalf("len(backups) = %d, want 3", len(backups))
	}
	if got := backups["aaaa1111"].AgentNames; len(got) != 2 {
		t.Errorf("shared backup AgentNames = %v, want local and remote", got)
	}
	if got := backups["cccc3333"].AgentNames; len(got) != 1 || got[0] != "backup.s3.test" {
		t.Errorf("remote-only backup AgentNames = %v", got)
	}
}

func TestStore_LoadBackups_RemoteFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := testutil.NewMemoryAgent("backup.s3.test")
	remote.FailList = true
	store, local := newTestStore(t, remote)
	writeLocalArchive(t, local, "aaaa1111", "Local")

	backups, err := store.LoadBackups(ctx)
	if err != nil {
		t.Fatalf("LoadBackups() error = %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("len(backups) = %d, want 1", len(backups))
	}
}

func TestStore_GetBackup_EvictsStaleEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, local := newTestStore(t)
	writeLocalArchive(t, local, "aaaa1111", "Doomed")

	b, err := store.GetBackup(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("GetBackup() error = %v", err)
	}
	if b == nil {
		t.Fatal("GetBackup() = nil for an existing backup")
	}

	// Remove the archive behind the store's back; the cached entry must not
	// be trusted.
	if err := os.Remove(local.BackupPath("aaaa1111")); err != nil {
		t.Fatalf("removing archive: %v", err)
	}

	b, err = store.GetBackup(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("GetBackup() error = %v", err)
	}
	if b != nil {
		t.Error("GetBackup() returned a record whose archive is gone")
	}
}

func TestStore_GetBackup_UnknownID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, _ := newTestStore(t)
	b, err := store.GetBackup(ctx, "nope")
	if err != nil {
		t.Fatalf("GetBackup() error = %v", err)
	}
	if b != nil {
		t.Errorf("GetBackup() = %+v, want nil", b)
	}
}

func TestStore_RemoveBackup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := testutil.NewMemoryAgent("backup.s3.test")
	store, local := newTestStore(t, remote)
	b := writeLocalArchive(t, local, "aaaa1111", "Doomed")
	remote.Put(b, []byte("archive bytes"))

	if _, err := store.LoadBackups(ctx); err != nil {
		t.Fatalf("LoadBackups() error = %v", err)
	}

	if err := store.RemoveBackup(ctx, "aaaa1111"); err != nil {
		t.Fatalf("RemoveBackup() error = %v", err)
	}

	if _, err := os.Stat(local.BackupPath("aaaa1111")); !os.IsNotExist(err) {
		t.Error("local archive still exists after RemoveBackup")
	}
	if remote.Has("aaaa1111") {
		t.Error("remote archive still exists after RemoveBackup")
	}

	// Removing an id that is already gone is a no-op.
	if err := store.RemoveBackup(ctx, "aaaa1111"); err != nil {
		t.Errorf("RemoveBackup() second call error = %v, want nil", err)
	}
}
