package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/home-assistant/core-sub043/internal/agent"
	"github.com/home-assistant/core-sub043/internal/archive"
	"github.com/home-assistant/core-sub043/internal/config"
	"github.com/home-assistant/core-sub043/internal/crypt"
	"github.com/home-assistant/core-sub043/internal/hub"
	"github.com/home-assistant/core-sub043/internal/journal"
	"github.com/home-assistant/core-sub043/internal/session"
)

// HabApp is the application layer between the CLI and the backup hub.
// It constructs all dependencies from config, exposes high-level operations,
// and journals every mutating command. The caller must call Close when done.
type HabApp struct {
	cfg      *config.Config
	store    *hub.Store
	manager  *hub.Manager
	keyfile  *crypt.KeyfileEncryptor
	journal  *journal.Journal
	sessions *session.Manager
	tokens   *session.TokenRegistry
	logger   hub.Logger
	logFile  *os.File
}

// NewHabApp creates a fully wired HabApp from the given config.
func NewHabApp(ctx context.Context, cfg *config.Config) (*HabApp, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	localCfg := cfg.LocalAgent()
	if localCfg == nil {
		logFile.Close()
		return nil, fmt.Errorf("no local agent configured")
	}
	local, err := agent.NewLocal(localCfg.BackupDir, logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating local agent: %w", err)
	}

	var remotes []hub.Agent
	for _, ac := range cfg.Agents {
		if ac.Type == "local" {
			continue
		}
		a, err := agent.NewFromConfig(ctx, ac, logger)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("creating agent %q: %w", ac.Name, err)
		}
		remotes = append(remotes, a)
	}

	keyfile := crypt.NewKeyfileEncryptor(cfg.Keyfile.RecipientPath, cfg.Keyfile.IdentityPath)

	version := cfg.Version
	if version == "" {
		version = "unknown"
	}

	store := hub.NewStore(local, remotes, logger)
	manager := hub.NewManager(hub.ManagerConfig{
		ConfigDir:     cfg.ConfigDir,
		Version:       version,
		ExtraExcludes: cfg.Excludes,
		Keyfile:       keyfile,
	}, store, local, logger, hub.RealClock{})

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	tokens, err := session.NewTokenRegistry(cfg.Sessions.TokensPath, logger)
	if err != nil {
		jnl.Close()
		logFile.Close()
		return nil, fmt.Errorf("loading token registry: %w", err)
	}
	sessions, err := session.NewManager(session.NewStore(cfg.Sessions.StorePath, logger), tokens, hub.RealClock{}, logger)
	if err != nil {
		jnl.Close()
		logFile.Close()
		return nil, fmt.Errorf("loading sessions: %w", err)
	}

	return &HabApp{
		cfg:      cfg,
		store:    store,
		manager:  manager,
		keyfile:  keyfile,
		journal:  jnl,
		sessions: sessions,
		tokens:   tokens,
		logger:   logger,
		logFile:  logFile,
	}, nil
}

// Keyfile exposes the configured keyfile encryptor for setup commands.
func (a *HabApp) Keyfile() *crypt.KeyfileEncryptor { return a.keyfile }

// Sessions exposes the session manager.
func (a *HabApp) Sessions() *session.Manager { return a.sessions }

// Tokens exposes the refresh token registry backing the session manager.
func (a *HabApp) Tokens() *session.TokenRegistry { return a.tokens }

// CreateBackup creates a new backup and journals the operation.
func (a *HabApp) CreateBackup(ctx context.Context, opts hub.CreateOptions) (*hub.Backup, error) {
	jid, err := a.journal.Begin(ctx, journal.KindCreate, "")
	if err != nil {
		return nil, err
	}

	backup, err := a.manager.CreateBackup(ctx, opts)
	if err == nil {
		if jerr := a.journal.SetBackupID(ctx, jid, backup.ID); jerr != nil {
			a.logger.Warn("updating journal entry failed", "error", jerr)
		}
	}
	if jerr := a.journal.Finish(ctx, jid, err); jerr != nil {
		a.logger.Warn("finishing journal entry failed", "error", jerr)
	}
	return backup, err
}

// ListBackups returns the merged inventory across all agents, newest first.
func (a *HabApp) ListBackups(ctx context.Context) ([]*hub.Backup, error) {
	byID, err := a.store.LoadBackups(ctx)
	if err != nil {
		return nil, err
	}
	backups := make([]*hub.Backup, 0, len(byID))
	for _, b := range byID {
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Date > backups[j].Date })
	return backups, nil
}

// DeleteBackup removes a backup from every agent and journals the operation.
func (a *HabApp) DeleteBackup(ctx context.Context, id string) error {
	jid, err := a.journal.Begin(ctx, journal.KindDelete, id)
	if err != nil {
		return err
	}
	err = a.store.RemoveBackup(ctx, id)
	if jerr := a.journal.Finish(ctx, jid, err); jerr != nil {
		a.logger.Warn("finishing journal entry failed", "error", jerr)
	}
	return err
}

// StageRestore validates the backup and arms the restore sentinel.
func (a *HabApp) StageRestore(ctx context.Context, id, password string) error {
	jid, err := a.journal.Begin(ctx, journal.KindRestore, id)
	if err != nil {
		return err
	}
	err = a.manager.StageRestore(ctx, id, password)
	if jerr := a.journal.Finish(ctx, jid, err); jerr != nil {
		a.logger.Warn("finishing journal entry failed", "error", jerr)
	}
	return err
}

// RestorePending runs a staged restore if one is armed. It reports whether a
// restore happened.
func (a *HabApp) RestorePending(ctx context.Context, promptSecret func(string) (string, error)) (bool, error) {
	jid, err := a.journal.Begin(ctx, journal.KindRestore, "")
	if err != nil {
		return false, err
	}
	restored, err := hub.RestorePending(hub.RestoreOptions{
		ConfigDir:    a.cfg.ConfigDir,
		Keyfile:      a.keyfile,
		PromptSecret: promptSecret,
		Logger:       a.logger,
	})
	if jerr := a.journal.Finish(ctx, jid, err); jerr != nil {
		a.logger.Warn("finishing journal entry failed", "error", jerr)
	}
	return restored, err
}

// ValidateBackup checks a local archive's structure and returns its manifest.
func (a *HabApp) ValidateBackup(ctx context.Context, id string) (*archive.Manifest, error) {
	jid, err := a.journal.Begin(ctx, journal.KindValidate, id)
	if err != nil {
		return nil, err
	}
	manifest, err := a.validateBackup(ctx, id)
	if jerr := a.journal.Finish(ctx, jid, err); jerr != nil {
		a.logger.Warn("finishing journal entry failed", "error", jerr)
	}
	return manifest, err
}

func (a *HabApp) validateBackup(ctx context.Context, id string) (*archive.Manifest, error) {
	b, err := a.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", hub.ErrBackupNotFound, id)
	}
	return archive.Validate(a.manager.LocalPath(id))
}

// History returns the most recent journaled operations.
func (a *HabApp) History(ctx context.Context, limit int) ([]journal.Entry, error) {
	return a.journal.Recent(ctx, limit)
}

// Close flushes pending session writes and releases the journal and the log
// file.
func (a *HabApp) Close() error {
	var firstErr error
	if err := a.sessions.Close(); err != nil {
		firstErr = fmt.Errorf("flushing sessions: %w", err)
	}
	if err := a.journal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing journal: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
