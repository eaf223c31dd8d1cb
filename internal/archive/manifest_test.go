package archive

import (
	"errors"
	"testing"
)

const validManifestJSON = `{
	"slug": "a1b2c3d4",
	"name": "Core 2026.3.1",
	"date": "2026-03-10T08:15:00.000000+00:00",
	"type": "partial",
	"folders": [],
	"homeassistant": {"version": "2026.3.1", "exclude_database": true},
	"compressed": true
}`

func TestParseManifest_Valid(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(validManifestJSON))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	if m.Slug != "a1b2c3d4" {
		t.Errorf("Slug = %q, want %q", m.Slug, "a1b2c3d4")
	}
	if !m.Compressed {
		t.Error("Compressed = false, want true")
	}
	if !m.SystemIncluded() {
		t.Error("SystemIncluded() = false, want true")
	}
	if m.DatabaseIncluded() {
		t.Error("DatabaseIncluded() = true, want false")
	}
	if m.HomeAssistant.Version != "2026.3.1" {
		t.Errorf("HomeAssistant.Version = %q, want %q", m.HomeAssistant.Version, "2026.3.1")
	}
}

func TestParseManifest_MissingRequiredKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{name: "not json", json: `{`},
		{name: "missing slug", json: `{"name":"x","date":"d","type":"partial","folders":[],"compressed":true}`},
		{name: "empty slug", json: `{"slug":"","name":"x","date":"d","type":"partial","folders":[],"compressed":true}`},
		{name: "missing compressed", json: `{"slug":"s","name":"x","date":"d","type":"partial","folders":[]}`},
		{name: "missing folders", json: `{"slug":"s","name":"x","date":"d","type":"partial","compressed":false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseManifest([]byte(tt.json))
			if !errors.Is(err, ErrCorruptArchive) {
				t.Errorf("ParseManifest() error = %v, want ErrCorruptArchive", err)
			}
		})
	}
}

func TestParseManifest_SystemAbsent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{name: "key absent", json: `{"slug":"s","name":"x","date":"d","type":"partial","folders":["media"],"compressed":true}`},
		{name: "key null", json: `{"slug":"s","name":"x","date":"d","type":"partial","folders":[],"homeassistant":null,"compressed":true}`},
		{name: "empty object", json: `{"slug":"s","name":"x","date":"d","type":"partial","folders":[],"homeassistant":{},"compressed":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := ParseManifest([]byte(tt.json))
			if err != nil {
				t.Fatalf("ParseManifest() error = %v", err)
			}
			if m.SystemIncluded() {
				t.Error("SystemIncluded() = true, want false")
			}
			if m.DatabaseIncluded() {
				t.Error("DatabaseIncluded() = true, want false")
			}
		})
	}
}

func TestParseManifest_UnknownKeysIgnored(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(`{"slug":"s","name":"x","date":"d","type":"partial","folders":[],"compressed":false,"future_field":42}`))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.Slug != "s" {
		t.Errorf("Slug = %q, want %q", m.Slug, "s")
	}
}

func TestManifest_EncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	orig := &Manifest{
		Slug:          "deadbeef",
		Name:          "Core 2026.3.1",
		Date:          "2026-03-10T08:15:00Z",
		Type:          "partial",
		Folders:       []string{"media", "share"},
		HomeAssistant: &SystemInfo{Version: "2026.3.1"},
		Compressed:    false,
		Protected:     true,
		Extra:         map[string]any{"protection": "keyfile"},
		Addons:        []Addon{{Name: "Mosquitto", Slug: "mosquitto", Version: "6.4.0"}},
	}

	data, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}

	if m.Slug != orig.Slug || m.Name != orig.Name || m.Date != orig.Date {
		t.Errorf("identity fields changed: got %q/%q/%q", m.Slug, m.Name, m.Date)
	}
	if m.Protection() != ProtectionKeyfile {
		t.Errorf("Protection() = %q, want %q", m.Protection(), ProtectionKeyfile)
	}
	if len(m.Addons) != 1 || m.Addons[0].Slug != "mosquitto" {
		t.Errorf("Addons = %v, want the original addon", m.Addons)
	}
	if m.DatabaseIncluded() != orig.DatabaseIncluded() {
		t.Error("DatabaseIncluded() changed across round trip")
	}
}

func TestManifest_Protection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		manifest Manifest
		want     string
	}{
		{name: "unprotected", manifest: Manifest{}, want: ""},
		{name: "protected without extra defaults to password", manifest: Manifest{Protected: true}, want: ProtectionPassword},
		{name: "explicit password", manifest: Manifest{Protected: true, Extra: map[string]any{"protection": "password"}}, want: ProtectionPassword},
		{name: "explicit keyfile", manifest: Manifest{Protected: true, Extra: map[string]any{"protection": "keyfile"}}, want: ProtectionKeyfile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.manifest.Protection(); got != tt.want {
				t.Errorf("Protection() = %q, want %q", got, tt.want)
			}
		})
	}
}
