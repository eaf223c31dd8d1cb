package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/home-assistant/core-sub043/internal/hub"
)

// MemoryAgent is an in-memory hub.Agent for tests.
type MemoryAgent struct {
	mu       sync.Mutex
	name     string
	backups  map[string]*hub.Backup
	archives map[string][]byte

	// FailUploads makes every Upload return an error.
	FailUploads bool
	// FailList makes ListBackups return an error.
	FailList bool
}

func NewMemoryAgent(name string) *MemoryAgent {
	return &MemoryAgent{
		name:     name,
		backups:  make(map[string]*hub.Backup),
		archives: make(map[string][]byte),
	}
}

func (a *MemoryAgent) Name() string { return a.name }

func (a *MemoryAgent) ListBackups(ctx context.Context) ([]*hub.Backup, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailList {
		return nil, fmt.Errorf("list failed")
	}
	var out []*hub.Backup
	for _, b := range a.backups {
		copied := *b
		copied.AgentNames = []string{a.name}
		out = append(out, &copied)
	}
	return out, nil
}

func (a *MemoryAgent) GetBackup(ctx context.Context, id string) (*hub.Backup, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.backups[id]
	if !ok {
		return nil, nil
	}
	copied := *b
	copied.AgentNames = []string{a.name}
	return &copied, nil
}

func (a *MemoryAgent) Upload(ctx context.Context, backup *hub.Backup, r io.Reader, size int64) error {
	if a.FailUploads {
		return fmt.Errorf("upload failed")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *backup
	a.backups[backup.ID] = &copied
	a.archives[backup.ID] = data
	return nil
}

func (a *MemoryAgent) Download(ctx context.Context, id string, w io.Writer) error {
	a.mu.Lock()
	data, ok := a.archives[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("backup %s not held", id)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (a *MemoryAgent) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.backups, id)
	delete(a.archives, id)
	return nil
}

// Put seeds the agent with a backup record and archive bytes.
func (a *MemoryAgent) Put(backup *hub.Backup, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := *backup
	a.backups[backup.ID] = &copied
	a.archives[backup.ID] = data
}

// Has reports whether the agent holds an archive for id.
func (a *MemoryAgent) Has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.archives[id]
	return ok
}
