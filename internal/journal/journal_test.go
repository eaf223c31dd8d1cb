package journal

import (
	"context"
	"fmt"
	"testing"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_BeginFinish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := newTestJournal(t)

	id, err := j.Begin(ctx, KindCreate, "")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := j.SetBackupID(ctx, id, "deadbeef"); err != nil {
		t.Fatalf("SetBackupID() error = %v", err)
	}
	if err := j.Finish(ctx, id, nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Kind != KindCreate || e.BackupID != "deadbeef" {
		t.Errorf("entry = %q/%q, want create/deadbeef", e.Kind, e.BackupID)
	}
	if e.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", e.Status)
	}
	if e.FinishedAt == nil {
		t.Error("FinishedAt = nil after Finish")
	}
}

func TestJournal_FinishWithError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := newTestJournal(t)

	id, err := j.Begin(ctx, KindRestore, "deadbeef")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := j.Finish(ctx, id, fmt.Errorf("archive unreadable")); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if entries[0].Status != StatusFailed {
		t.Errorf("Status = %q, want failed", entries[0].Status)
	}
	if entries[0].Error != "archive unreadable" {
		t.Errorf("Error = %q, want the failure message", entries[0].Error)
	}
}

func TestJournal_RecentOrderAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := newTestJournal(t)

	for i := 0; i < 5; i++ {
		id, err := j.Begin(ctx, KindCreate, fmt.Sprintf("backup-%d", i))
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if err := j.Finish(ctx, id, nil); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
	}

	entries, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].BackupID != "backup-4" {
		t.Errorf("entries[0].BackupID = %q, want the newest entry first", entries[0].BackupID)
	}

	// A running operation shows up without a finish time.
	if _, err := j.Begin(ctx, KindDelete, "backup-x"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	entries, err = j.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if entries[0].Status != StatusRunning || entries[0].FinishedAt != nil {
		t.Errorf("running entry = %q/%v, want running with nil FinishedAt", entries[0].Status, entries[0].FinishedAt)
	}
}
