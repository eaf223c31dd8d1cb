package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/home-assistant/core-sub043/internal/hub"
)

const (
	storeVersion = 1
	// keySize is the size of the cookie sealing key.
	keySize = 32
)

// Snapshot is the persistable view of the session pools plus the cookie key.
type Snapshot struct {
	Authorized   map[string]*Authorized
	Unauthorized map[string]string
	Key          []byte
}

// Store persists session snapshots as a versioned JSON file. Expiries are
// stored as unix seconds with fractional part, the key as base64.
type Store struct {
	path   string
	logger hub.Logger
}

// NewStore creates a store backed by the file at path.
func NewStore(path string, logger hub.Logger) *Store {
	return &Store{path: path, logger: logger}
}

type storeFile struct {
	Version int       `json:"version"`
	Data    storeData `json:"data"`
}

type storeData struct {
	Authorized   map[string]storedAuthorized   `json:"authorized_sessions"`
	Unauthorized map[string]storedUnauthorized `json:"unauthorized_sessions"`
	Key          string                        `json:"key"`
}

type storedAuthorized struct {
	RefreshTokenID string  `json:"refresh_token_id"`
	AbsoluteExpiry float64 `json:"absolute_expiry"`
	IdleExpiry     float64 `json:"idle_expiry"`
}

type storedUnauthorized struct {
	RefreshTokenID string `json:"refresh_token_id"`
}

// Load reads the persisted snapshot. A missing file yields empty pools and a
// freshly generated key. A corrupt file is logged and treated the same way
// instead of failing startup; the existing key is lost with it.
func (s *Store) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		s.logger.Warn("session store is corrupt, starting with empty pools", "path", s.path, "error", err)
		return emptySnapshot(), nil
	}
	if file.Version != storeVersion {
		s.logger.Warn("session store has unknown version, starting with empty pools", "path", s.path, "version", file.Version)
		return emptySnapshot(), nil
	}

	snap := &Snapshot{
		Authorized:   make(map[string]*Authorized, len(file.Data.Authorized)),
		Unauthorized: make(map[string]string, len(file.Data.Unauthorized)),
	}
	for id, sa := range file.Data.Authorized {
		snap.Authorized[id] = &Authorized{
			RefreshTokenID: sa.RefreshTokenID,
			AbsoluteExpiry: fromUnix(sa.AbsoluteExpiry),
			IdleExpiry:     fromUnix(sa.IdleExpiry),
		}
	}
	for id, su := range file.Data.Unauthorized {
		snap.Unauthorized[id] = su.RefreshTokenID
	}

	snap.Key, err = base64.StdEncoding.DecodeString(file.Data.Key)
	if err != nil || len(snap.Key) != keySize {
		s.logger.Warn("session store key is unusable, generating a new one", "path", s.path)
		snap.Key = newKey()
	}
	return snap, nil
}

// Save writes the snapshot atomically.
func (s *Store) Save(snap *Snapshot) (err error) {
	file := storeFile{
		Version: storeVersion,
		Data: storeData{
			Authorized:   make(map[string]storedAuthorized, len(snap.Authorized)),
			Unauthorized: make(map[string]storedUnauthorized, len(snap.Unauthorized)),
			Key:          base64.StdEncoding.EncodeToString(snap.Key),
		},
	}
	for id, a := range snap.Authorized {
		file.Data.Authorized[id] = storedAuthorized{
			RefreshTokenID: a.RefreshTokenID,
			AbsoluteExpiry: toUnix(a.AbsoluteExpiry),
			IdleExpiry:     toUnix(a.IdleExpiry),
		}
	}
	for id, tokenID := range snap.Unauthorized {
		file.Data.Unauthorized[id] = storedUnauthorized{RefreshTokenID: tokenID}
	}

	data, err := json.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encoding session store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating session store directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*")
	if err != nil {
		return fmt.Errorf("creating session store file: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = f.Chmod(0600); err != nil {
		f.Close()
		return fmt.Errorf("restricting session store file: %w", err)
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing session store: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing session store: %w", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("placing session store: %w", err)
	}
	return nil
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Authorized:   make(map[string]*Authorized),
		Unauthorized: make(map[string]string),
		Key:          newKey(),
	}
}

func newKey() []byte {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		panic("session: reading random bytes: " + err.Error())
	}
	return key
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(sec float64) time.Time {
	s, frac := math.Modf(sec)
	return time.Unix(int64(s), int64(frac*float64(time.Second)))
}
