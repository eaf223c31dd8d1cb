package archive

import (
	"encoding/json"
	"fmt"
)

// Manifest is the backup.json metadata stored as the first member of a
// backup container. It describes the archive without requiring the payload
// to be read.
type Manifest struct {
	Slug          string         `json:"slug"`
	Name          string         `json:"name"`
	Date          string         `json:"date"`
	Type          string         `json:"type"`
	Folders       []string       `json:"folders"`
	HomeAssistant *SystemInfo    `json:"homeassistant"`
	Compressed    bool           `json:"compressed"`
	Protected     bool           `json:"protected,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	Addons        []Addon        `json:"addons,omitempty"`
}

// SystemInfo describes the configuration tree captured in the payload.
// A nil SystemInfo means the payload does not contain the configuration tree.
type SystemInfo struct {
	Version         string `json:"version"`
	ExcludeDatabase bool   `json:"exclude_database,omitempty"`
}

// Addon identifies a bundled add-on captured in the backup.
type Addon struct {
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	Version string `json:"version"`
}

// SystemIncluded reports whether the configuration tree is in the payload.
func (m *Manifest) SystemIncluded() bool {
	return m.HomeAssistant != nil
}

// DatabaseIncluded reports whether the recorder database is in the payload.
func (m *Manifest) DatabaseIncluded() bool {
	return m.HomeAssistant != nil && !m.HomeAssistant.ExcludeDatabase
}

// manifestJSON mirrors Manifest with pointer fields for the required keys,
// so a missing key can be told apart from a zero value.
type manifestJSON struct {
	Slug          *string         `json:"slug"`
	Name          *string         `json:"name"`
	Date          *string         `json:"date"`
	Type          *string         `json:"type"`
	Folders       *[]string       `json:"folders"`
	HomeAssistant json.RawMessage `json:"homeassistant"`
	Compressed    *bool           `json:"compressed"`
	Protected     bool            `json:"protected"`
	Extra         map[string]any  `json:"extra"`
	Addons        []Addon         `json:"addons"`
}

// ParseManifest decodes and validates a backup.json document.
// All required keys must be present; unknown keys are ignored.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw manifestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid manifest JSON: %v", ErrCorruptArchive, err)
	}

	for key, present := range map[string]bool{
		"slug":       raw.Slug != nil,
		"name":       raw.Name != nil,
		"date":       raw.Date != nil,
		"type":       raw.Type != nil,
		"folders":    raw.Folders != nil,
		"compressed": raw.Compressed != nil,
	} {
		if !present {
			return nil, fmt.Errorf("%w: manifest is missing required key %q", ErrCorruptArchive, key)
		}
	}
	if *raw.Slug == "" {
		return nil, fmt.Errorf("%w: manifest slug is empty", ErrCorruptArchive)
	}

	m := &Manifest{
		Slug:       *raw.Slug,
		Name:       *raw.Name,
		Date:       *raw.Date,
		Type:       *raw.Type,
		Folders:    *raw.Folders,
		Compressed: *raw.Compressed,
		Protected:  raw.Protected,
		Extra:      raw.Extra,
		Addons:     raw.Addons,
	}

	// The homeassistant key may be absent, null, or an empty object, all of
	// which mean the configuration tree is not included. Only an object with
	// a version field counts as included.
	if len(raw.HomeAssistant) > 0 && string(raw.HomeAssistant) != "null" && string(raw.HomeAssistant) != "{}" {
		var info SystemInfo
		if err := json.Unmarshal(raw.HomeAssistant, &info); err != nil {
			return nil, fmt.Errorf("%w: invalid homeassistant object: %v", ErrCorruptArchive, err)
		}
		m.HomeAssistant = &info
	}

	return m, nil
}

// Encode serializes the manifest to the backup.json wire form.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}
