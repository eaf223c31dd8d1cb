package hub

import (
	"context"
	"io"
)

// Agent is a storage backend holding backup archives. Implementations stream
// archive bytes through io.Reader/io.Writer so multi-gigabyte archives never
// have to fit in memory.
type Agent interface {
	// Name identifies the agent in backup records and logs.
	Name() string

	// ListBackups parses the manifest of every archive the agent holds.
	// Archives that cannot be parsed are skipped, not fatal: one corrupt
	// file must not hide the rest of the inventory.
	ListBackups(ctx context.Context) ([]*Backup, error)

	// GetBackup returns the backup with the given id, or (nil, nil) if the
	// agent does not hold it.
	GetBackup(ctx context.Context, id string) (*Backup, error)

	// Upload stores a finished archive. size is the number of bytes that
	// will be read from r.
	Upload(ctx context.Context, backup *Backup, r io.Reader, size int64) error

	// Download writes the archive with the given id to w.
	Download(ctx context.Context, id string, w io.Writer) error

	// Delete removes the archive with the given id. Deleting an id the
	// agent does not hold is a no-op.
	Delete(ctx context.Context, id string) error
}

// LocalAgent is an Agent whose archives live on the local filesystem, so the
// manager can write archives directly into place and the restore routine can
// open them by path.
type LocalAgent interface {
	Agent

	// BackupPath returns the filesystem path where the archive with the
	// given id is (or would be) stored.
	BackupPath(id string) string
}
