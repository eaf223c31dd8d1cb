package hub

import "errors"

// ErrBackupInProgress is returned by Manager.CreateBackup when another
// creation is already running. Requests are rejected rather than queued; the
// caller must wait and retry.
var ErrBackupInProgress = errors.New("a backup is already in progress")

// ErrBackupNotFound is returned when an operation names a backup id that is
// not present in the store.
var ErrBackupNotFound = errors.New("backup not found")
