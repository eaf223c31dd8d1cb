package hub

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/home-assistant/core-sub043/internal/archive"
	"github.com/home-assistant/core-sub043/internal/crypt"
)

// State is the manager's creation state.
type State string

const (
	StateIdle       State = "idle"
	StateInProgress State = "in_progress"
)

// Result records how the last creation ended.
type Result string

const (
	ResultNone      Result = ""
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
)

// RestoreSentinel is the file in the configuration directory that instructs
// the next process start to perform a restore.
const RestoreSentinel = ".HA_RESTORE"

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// ConfigDir is the configuration tree captured by backups.
	ConfigDir string
	// Version is stamped into manifests as the system version.
	Version string
	// ExtraExcludes are glob patterns applied in addition to
	// DefaultExcludes.
	ExtraExcludes []string
	// Keyfile enables keyfile-protected backups when configured.
	Keyfile *crypt.KeyfileEncryptor
}

// Manager orchestrates whole-system backup creation and staged restore.
// At most one creation runs at a time: the in-progress flag is flipped under
// the mutex before any blocking work starts, so a concurrent second call
// deterministically fails with ErrBackupInProgress.
type Manager struct {
	mu         sync.Mutex
	state      State
	lastResult Result

	cfg    ManagerConfig
	store  *Store
	local  LocalAgent
	logger Logger
	clock  Clock
}

// NewManager creates a backup Manager.
func NewManager(cfg ManagerConfig, store *Store, local LocalAgent, logger Logger, clock Clock) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		local:  local,
		state:  StateIdle,
		logger: logger,
		clock:  clock,
	}
}

// State returns the current creation state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LocalPath returns where the archive for id lives (or would live) on disk.
func (m *Manager) LocalPath(id string) string {
	return m.local.BackupPath(id)
}

// LastResult returns how the most recent creation ended.
func (m *Manager) LastResult() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// CreateOptions controls backup creation.
type CreateOptions struct {
	// Name labels the backup; defaults to "Core <version>".
	Name string
	// Password enables password protection of the payload.
	Password string
	// UseKeyfile encrypts the payload to the configured keyfile recipient
	// instead of a password.
	UseKeyfile bool
	// ExcludeDatabase drops the recorder database from the payload. The
	// database is included by default.
	ExcludeDatabase bool
}

// CreateBackup archives the configuration tree and registers the result with
// the store. A failure resets the manager to idle; it is never sticky.
func (m *Manager) CreateBackup(ctx context.Context, opts CreateOptions) (*Backup, error) {
	if opts.Password != "" && opts.UseKeyfile {
		return nil, fmt.Errorf("a backup cannot be both password- and keyfile-protected")
	}
	if opts.UseKeyfile && (m.cfg.Keyfile == nil || !m.cfg.Keyfile.IsConfigured()) {
		return nil, fmt.Errorf("keyfile protection requested but no keyfile is configured")
	}

	m.mu.Lock()
	if m.state == StateInProgress {
		m.mu.Unlock()
		return nil, ErrBackupInProgress
	}
	m.state = StateInProgress
	m.mu.Unlock()

	backup, err := m.createBackup(ctx, opts)

	m.mu.Lock()
	m.state = StateIdle
	if err != nil {
		m.lastResult = ResultFailed
	} else {
		m.lastResult = ResultCompleted
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("backup creation failed", "error", err)
		return nil, err
	}
	m.logger.Info("backup created", "id", backup.ID, "size", backup.SizeBytes)
	return backup, nil
}

func (m *Manager) createBackup(ctx context.Context, opts CreateOptions) (*Backup, error) {
	name := opts.Name
	if name == "" {
		name = "Core " + m.cfg.Version
	}
	date := m.clock.Now().Format(time.RFC3339Nano)
	id := GenerateBackupID(date, name)

	protection := ""
	switch {
	case opts.Password != "":
		protection = archive.ProtectionPassword
	case opts.UseKeyfile:
		protection = archive.ProtectionKeyfile
	}

	manifest := &archive.Manifest{
		Slug:    id,
		Name:    name,
		Date:    date,
		Type:    "partial",
		Folders: []string{},
		HomeAssistant: &archive.SystemInfo{
			Version:         m.cfg.Version,
			ExcludeDatabase: opts.ExcludeDatabase,
		},
		// Encrypted payloads are stored as-is; only unprotected payloads
		// are gzip-compressed, and the flag must match the member name.
		Compressed: protection == "",
		Protected:  protection != "",
	}
	if protection != "" {
		manifest.Extra = map[string]any{"protection": protection}
	}

	workDir, err := os.MkdirTemp("", "hab-backup-")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	excludes := append([]string{}, DefaultExcludes...)
	excludes = append(excludes, m.cfg.ExtraExcludes...)
	if opts.ExcludeDatabase {
		excludes = append(excludes, DatabaseExcludes...)
	}

	// Pass one: tar the filtered configuration tree.
	plainPath := filepath.Join(workDir, "payload.tar")
	if err := writePayloadTar(plainPath, m.cfg.ConfigDir, NewExcludeMatcher(excludes)); err != nil {
		return nil, err
	}

	// Pass two: produce the on-wire payload (encrypted or gzipped).
	wirePath := filepath.Join(workDir, "payload.wire")
	if err := m.transformPayload(plainPath, wirePath, opts); err != nil {
		return nil, err
	}

	wireFile, err := os.Open(wirePath)
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	defer wireFile.Close()
	wireInfo, err := wireFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("sizing payload: %w", err)
	}

	archivePath := m.local.BackupPath(id)
	if err := archive.WriteArchive(archivePath, manifest, wireFile, wireInfo.Size()); err != nil {
		return nil, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("sizing archive: %w", err)
	}

	backup := BackupFromManifest(manifest, info.Size())
	backup.AgentNames = []string{m.local.Name()}
	m.store.CreateEntry(backup)

	m.uploadToRemotes(ctx, backup, archivePath)
	return backup, nil
}

// transformPayload converts the plain payload tar into its on-wire form.
func (m *Manager) transformPayload(plainPath, wirePath string, opts CreateOptions) (err error) {
	in, err := os.Open(plainPath)
	if err != nil {
		return fmt.Errorf("opening payload tar: %w", err)
	}
	defer in.Close()

	out, err := os.Create(wirePath)
	if err != nil {
		return fmt.Errorf("creating payload file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing payload file: %w", cerr)
		}
	}()

	switch {
	case opts.Password != "":
		return crypt.EncryptStream(out, in, crypt.DeriveKey(opts.Password))
	case opts.UseKeyfile:
		return m.cfg.Keyfile.Encrypt(in, out)
	default:
		gz := gzip.NewWriter(out)
		if _, err := io.Copy(gz, in); err != nil {
			return fmt.Errorf("compressing payload: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("finalizing compression: %w", err)
		}
		return nil
	}
}

// uploadToRemotes mirrors a finished archive to every remote agent. Upload
// failures are logged, not fatal: the local archive is the source of truth.
func (m *Manager) uploadToRemotes(ctx context.Context, backup *Backup, archivePath string) {
	for _, remote := range m.store.Remotes() {
		f, err := os.Open(archivePath)
		if err != nil {
			m.logger.Error("opening archive for upload", "error", err)
			return
		}
		err = remote.Upload(ctx, backup, f, backup.SizeBytes)
		f.Close()
		if err != nil {
			m.logger.Warn("uploading backup failed", "agent", remote.Name(), "id", backup.ID, "error", err)
			continue
		}
		backup.AgentNames = append(backup.AgentNames, remote.Name())
		m.logger.Info("backup uploaded", "agent", remote.Name(), "id", backup.ID)
	}
}

// StageRestore validates the target archive and writes the restore sentinel
// so the next process start performs the restore. It does not restore
// anything itself.
func (m *Manager) StageRestore(ctx context.Context, backupID, password string) error {
	backup, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if backup == nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, backupID)
	}

	archivePath := m.local.BackupPath(backupID)
	if _, err := os.Stat(archivePath); err != nil {
		// Held only remotely: fetch it next to the other local archives so
		// the boot-time routine can open it by path.
		if err := m.fetchFromRemote(ctx, backup, archivePath); err != nil {
			return err
		}
	}

	if backup.Protection == archive.ProtectionPassword {
		ok, err := archive.ValidatePassword(archivePath, password)
		if err != nil {
			return err
		}
		if !ok {
			return crypt.ErrInvalidPassword
		}
	}

	line := archivePath + ";" + backup.Protection + "\n"
	sentinelPath := filepath.Join(m.cfg.ConfigDir, RestoreSentinel)
	if err := os.WriteFile(sentinelPath, []byte(line), 0600); err != nil {
		return fmt.Errorf("writing restore sentinel: %w", err)
	}
	m.logger.Info("restore staged", "id", backupID, "archive", archivePath)
	return nil
}

func (m *Manager) fetchFromRemote(ctx context.Context, backup *Backup, destPath string) error {
	for _, remote := range m.store.Remotes() {
		f, err := os.CreateTemp(filepath.Dir(destPath), ".hab-fetch-*")
		if err != nil {
			return fmt.Errorf("creating download file: %w", err)
		}
		tmpPath := f.Name()
		err = remote.Download(ctx, backup.ID, f)
		f.Close()
		if err != nil {
			os.Remove(tmpPath)
			m.logger.Warn("downloading backup failed", "agent", remote.Name(), "id", backup.ID, "error", err)
			continue
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("placing downloaded archive: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s is not available from any agent", ErrBackupNotFound, backup.ID)
}

// writePayloadTar tars the configuration tree rooted at root into a file at
// tarPath under the "data/" prefix, pruning entries matched by the exclusion
// filter. Excluded directories are never descended into, so their contents
// are never read.
func writePayloadTar(tarPath, root string, excludes *ExcludeMatcher) (err error) {
	out, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("creating payload tar: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing payload tar: %w", cerr)
		}
	}()

	tw := tar.NewWriter(out)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		arcName := "data"
		if rel != "." {
			if excludes.Match(rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			arcName = "data/" + filepath.ToSlash(rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = arcName + "/"
			return tw.WriteHeader(hdr)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", p, err)
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = arcName
			return tw.WriteHeader(hdr)
		case d.Type().IsRegular():
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = arcName
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("opening %s: %w", p, err)
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("archiving %s: %w", p, err)
			}
			return nil
		default:
			// Sockets, fifos and devices are not part of a configuration
			// tree.
			return nil
		}
	})
	if walkErr != nil {
		return fmt.Errorf("walking configuration tree: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing payload tar: %w", err)
	}
	return nil
}
