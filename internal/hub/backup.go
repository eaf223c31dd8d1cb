package hub

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/home-assistant/core-sub043/internal/archive"
)

// Backup is one completed backup as seen by the store: the manifest fields
// plus where the archive lives.
type Backup struct {
	ID                    string
	Name                  string
	Date                  string
	SizeBytes             int64
	Protected             bool
	Protection            string
	HomeAssistantIncluded bool
	HomeAssistantVersion  string
	DatabaseIncluded      bool
	Folders               []string
	Addons                []archive.Addon

	// AgentNames lists the agents holding a copy of this archive.
	AgentNames []string
}

// BackupFromManifest builds a Backup record from a parsed manifest and the
// archive's size on disk.
func BackupFromManifest(m *archive.Manifest, sizeBytes int64) *Backup {
	b := &Backup{
		ID:                    m.Slug,
		Name:                  m.Name,
		Date:                  m.Date,
		SizeBytes:             sizeBytes,
		Protected:             m.Protected,
		Protection:            m.Protection(),
		HomeAssistantIncluded: m.SystemIncluded(),
		DatabaseIncluded:      m.DatabaseIncluded(),
		Addons:                m.Addons,
	}
	if m.HomeAssistant != nil {
		b.HomeAssistantVersion = m.HomeAssistant.Version
	}
	// The special "homeassistant" folder is implied by SystemIncluded and is
	// not listed among the named folders.
	for _, folder := range m.Folders {
		if folder != "homeassistant" {
			b.Folders = append(b.Folders, folder)
		}
	}
	return b
}

// GenerateBackupID derives the short stable id for a backup created at the
// given date with the given name. The scheme matches archives produced by
// other implementations of the container format, so ids stay comparable
// across tooling.
func GenerateBackupID(date, name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(fmt.Sprintf("%s - %s", date, name))))
	return hex.EncodeToString(sum[:])[:8]
}
