package hub

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
)

// Store is the in-memory inventory of available backups. It is a cache over
// the agents' storage and treats itself as possibly stale: lookups re-check
// the local filesystem before an entry is trusted.
type Store struct {
	mu      sync.Mutex
	local   LocalAgent
	remotes []Agent
	backups map[string]*Backup
	loaded  bool
	logger  Logger
}

// NewStore creates a Store over the given agents.
func NewStore(local LocalAgent, remotes []Agent, logger Logger) *Store {
	return &Store{
		local:   local,
		remotes: remotes,
		backups: make(map[string]*Backup),
		logger:  logger,
	}
}

// LoadBackups rebuilds the inventory from all agents and returns it keyed by
// backup id. A remote agent that fails to list is logged and skipped so an
// unreachable bucket does not hide local archives; records present on several
// agents are merged, with the local record winning on field conflicts.
func (s *Store) LoadBackups(ctx context.Context) (map[string]*Backup, error) {
	locals, err := s.local.ListBackups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing local backups: %w", err)
	}

	backups := make(map[string]*Backup, len(locals))
	for _, b := range locals {
		backups[b.ID] = b
	}

	for _, remote := range s.remotes {
		remoteBackups, err := remote.ListBackups(ctx)
		if err != nil {
			s.logger.Warn("listing remote backups failed", "agent", remote.Name(), "error", err)
			continue
		}
		for _, rb := range remoteBackups {
			if existing, ok := backups[rb.ID]; ok {
				if !slices.Contains(existing.AgentNames, remote.Name()) {
					existing.AgentNames = append(existing.AgentNames, remote.Name())
				}
				continue
			}
			backups[rb.ID] = rb
		}
	}

	s.mu.Lock()
	s.backups = backups
	s.loaded = true
	s.mu.Unlock()

	return s.snapshot(), nil
}

// GetBackup returns the backup with the given id, or nil if unknown. If the
// cached record claims a local archive that no longer exists on disk, the
// stale entry is evicted and nil is returned.
func (s *Store) GetBackup(ctx context.Context, id string) (*Backup, error) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if _, err := s.LoadBackups(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return nil, nil
	}
	if slices.Contains(b.AgentNames, s.local.Name()) {
		if _, err := os.Stat(s.local.BackupPath(id)); err != nil {
			s.logger.Debug("evicting stale backup entry", "id", id)
			delete(s.backups, id)
			return nil, nil
		}
	}
	return b, nil
}

// CreateEntry registers a freshly written backup without a full rescan.
func (s *Store) CreateEntry(b *Backup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[b.ID] = b
}

// RemoveBackup deletes the backing archive from every agent and evicts the
// record. Removing an unknown id is a no-op.
func (s *Store) RemoveBackup(ctx context.Context, id string) error {
	if err := s.local.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting local archive: %w", err)
	}
	for _, remote := range s.remotes {
		if err := remote.Delete(ctx, id); err != nil {
			s.logger.Warn("deleting remote archive failed", "agent", remote.Name(), "id", id, "error", err)
		}
	}

	s.mu.Lock()
	delete(s.backups, id)
	s.mu.Unlock()
	return nil
}

// Remotes returns the configured remote agents.
func (s *Store) Remotes() []Agent { return s.remotes }

func (s *Store) snapshot() map[string]*Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Backup, len(s.backups))
	for id, b := range s.backups {
		out[id] = b
	}
	return out
}
