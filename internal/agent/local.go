// Package agent provides the storage backends that hold backup archives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/home-assistant/core-sub043/internal/archive"
	"github.com/home-assistant/core-sub043/internal/hub"
)

// LocalName is the agent name of the on-disk backup directory.
const LocalName = "backup.local"

// Local stores archives as <dir>/<id>.tar.
type Local struct {
	dir    string
	logger hub.Logger
}

var _ hub.LocalAgent = (*Local)(nil)

// NewLocal creates the local agent, making the backup directory if needed.
func NewLocal(dir string, logger hub.Logger) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &Local{dir: dir, logger: logger}, nil
}

func (l *Local) Name() string { return LocalName }

// BackupPath returns the path where the archive with the given id lives.
func (l *Local) BackupPath(id string) string {
	return filepath.Join(l.dir, id+".tar")
}

// ListBackups scans the backup directory. Files whose manifest cannot be
// parsed are logged and skipped so one corrupt archive does not hide the
// rest.
func (l *Local) ListBackups(ctx context.Context) ([]*hub.Backup, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing backup directory: %w", err)
	}
	var backups []*hub.Backup
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(l.dir, e.Name())
		b, err := l.readBackup(path)
		if err != nil {
			l.logger.Warn("skipping unreadable backup archive", "path", path, "error", err)
			continue
		}
		backups = append(backups, b)
	}
	return backups, nil
}

func (l *Local) readBackup(path string) (*hub.Backup, error) {
	manifest, err := archive.ReadManifest(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	b := hub.BackupFromManifest(manifest, info.Size())
	b.AgentNames = []string{LocalName}
	return b, nil
}

func (l *Local) GetBackup(ctx context.Context, id string) (*hub.Backup, error) {
	b, err := l.readBackup(l.BackupPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Upload stores an archive streamed from another agent. Archives created on
// this host are written into place by the manager instead. The write goes
// through a temp file and rename so a partial upload is never listed.
func (l *Local) Upload(ctx context.Context, backup *hub.Backup, r io.Reader, size int64) (err error) {
	f, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating upload file: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing archive: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err = os.Rename(tmpPath, l.BackupPath(backup.ID)); err != nil {
		return fmt.Errorf("placing archive: %w", err)
	}
	return nil
}

func (l *Local) Download(ctx context.Context, id string, w io.Writer) error {
	f, err := os.Open(l.BackupPath(id))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, id string) error {
	err := os.Remove(l.BackupPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting archive: %w", err)
	}
	return nil
}
