package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/home-assistant/core-sub043/internal/crypt"
)

// buildInnerTar produces a payload tar with the "data/" tree layout.
func buildInnerTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := tw.WriteHeader(&tar.Header{Name: "data/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatalf("writing root dir header: %v", err)
	}
	for name, content := range files {
		hdr := &tar.Header{Name: "data/" + name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing header for %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("writing content for %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing inner tar: %v", err)
	}
	return buf.Bytes()
}

func testManifest(compressed bool) *Manifest {
	return &Manifest{
		Slug:          "deadbeef",
		Name:          "Core 2026.3.1",
		Date:          "2026-03-10T08:15:00Z",
		Type:          "partial",
		Folders:       []string{},
		HomeAssistant: &SystemInfo{Version: "2026.3.1", ExcludeDatabase: true},
		Compressed:    compressed,
	}
}

// writeCompressedArchive builds an unprotected archive with a gzipped payload.
func writeCompressedArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	inner := buildInnerTar(t, files)

	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	if _, err := gz.Write(inner); err != nil {
		t.Fatalf("compressing payload: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}

	if err := WriteArchive(path, testManifest(true), &gzipped, int64(gzipped.Len())); err != nil {
		t.Fatalf("WriteArchive() error = %v", err)
	}
}

// writeProtectedArchive builds a password-protected archive.
func writeProtectedArchive(t *testing.T, path, password string, files map[string]string) {
	t.Helper()
	inner := buildInnerTar(t, files)

	var encrypted bytes.Buffer
	if err := crypt.EncryptStream(&encrypted, bytes.NewReader(inner), crypt.DeriveKey(password)); err != nil {
		t.Fatalf("encrypting payload: %v", err)
	}

	m := testManifest(false)
	m.Protected = true
	m.Extra = map[string]any{"protection": ProtectionPassword}
	if err := WriteArchive(path, m, &encrypted, int64(encrypted.Len())); err != nil {
		t.Fatalf("WriteArchive() error = %v", err)
	}
}

func TestReadManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deadbeef.tar")
	writeCompressedArchive(t, path, map[string]string{"configuration.yaml": "automation: []\n"})

	m, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if m.Slug != "deadbeef" {
		t.Errorf("Slug = %q, want %q", m.Slug, "deadbeef")
	}
	if !m.Compressed {
		t.Error("Compressed = false, want true")
	}
}

func TestReadManifest_MissingManifest(t *testing.T) {
	t.Parallel()

	// An outer tar without a backup.json member.
	path := filepath.Join(t.TempDir(), "bogus.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file: %v", err)
	}
	tw := tar.NewWriter(f)
	content := []byte("not a manifest")
	if err := tw.WriteHeader(&tar.Header{Name: "./unrelated.txt", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("writing content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing file: %v", err)
	}

	if _, err := ReadManifest(path); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("ReadManifest() error = %v, want ErrCorruptArchive", err)
	}
}

func TestReadManifest_CompressedFlagMismatch(t *testing.T) {
	t.Parallel()

	// Manifest says compressed but the payload member carries the
	// uncompressed name.
	path := filepath.Join(t.TempDir(), "mismatch.tar")
	m := testManifest(true)
	manifestBytes, err := m.Encode()
	if err != nil {
		t.Fatalf("encoding manifest: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file: %v", err)
	}
	tw := tar.NewWriter(f)
	if err := tw.WriteHeader(&tar.Header{Name: ManifestMember, Mode: 0644, Size: int64(len(manifestBytes))}); err != nil {
		t.Fatalf("writing manifest header: %v", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	payload := []byte("payload")
	if err := tw.WriteHeader(&tar.Header{Name: "./homeassistant.tar", Mode: 0644, Size: int64(len(payload))}); err != nil {
		t.Fatalf("writing payload header: %v", err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing file: %v", err)
	}

	if _, err := ReadManifest(path); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("ReadManifest() error = %v, want ErrCorruptArchive", err)
	}
	if _, err := Validate(path); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("Validate() error = %v, want ErrCorruptArchive", err)
	}
}

func TestValidate_MissingPayload(t *testing.T) {
	t.Parallel()

	// WriteArchive always emits a payload member, so build a container with
	// only the manifest by hand.
	path := filepath.Join(t.TempDir(), "nopayload.tar")
	m := testManifest(true)
	manifestBytes, err := m.Encode()
	if err != nil {
		t.Fatalf("encoding manifest: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file: %v", err)
	}
	tw := tar.NewWriter(f)
	if err := tw.WriteHeader(&tar.Header{Name: ManifestMember, Mode: 0644, Size: int64(len(manifestBytes))}); err != nil {
		t.Fatalf("writing manifest header: %v", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing file: %v", err)
	}

	if _, err := Validate(path); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("Validate() error = %v, want ErrCorruptArchive", err)
	}
	// ReadManifest tolerates a missing payload; only Validate requires it.
	if _, err := ReadManifest(path); err != nil {
		t.Errorf("ReadManifest() error = %v, want nil", err)
	}
}

func TestExtractPayload_Compressed(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"configuration.yaml":       "automation: []\n",
		"custom/component/init.py": "pass\n",
	}
	path := filepath.Join(t.TempDir(), "deadbeef.tar")
	writeCompressedArchive(t, path, files)

	dest := t.TempDir()
	if err := ExtractPayload(path, dest, ExtractOptions{}); err != nil {
		t.Fatalf("ExtractPayload() error = %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("reading extracted %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("extracted %s = %q, want %q", name, got, want)
		}
	}
}

func TestExtractPayload_PasswordProtected(t *testing.T) {
	t.Parallel()

	files := map[string]string{"secrets.yaml": "api_key: abc123\n"}
	path := filepath.Join(t.TempDir(), "deadbeef.tar")
	writeProtectedArchive(t, path, "hunter2", files)

	t.Run("correct key extracts", func(t *testing.T) {
		dest := t.TempDir()
		err := ExtractPayload(path, dest, ExtractOptions{Key: crypt.DeriveKey("hunter2")})
		if err != nil {
			t.Fatalf("ExtractPayload() error = %v", err)
		}
		got, err := os.ReadFile(filepath.Join(dest, "secrets.yaml"))
		if err != nil {
			t.Fatalf("reading extracted file: %v", err)
		}
		if string(got) != files["secrets.yaml"] {
			t.Errorf("extracted content = %q, want %q", got, files["secrets.yaml"])
		}
	})

	t.Run("wrong key fails", func(t *testing.T) {
		dest := t.TempDir()
		err := ExtractPayload(path, dest, ExtractOptions{Key: crypt.DeriveKey("wrong")})
		if !errors.Is(err, crypt.ErrInvalidPassword) {
			t.Errorf("ExtractPayload() error = %v, want ErrInvalidPassword", err)
		}
	})

	t.Run("no key fails", func(t *testing.T) {
		dest := t.TempDir()
		if err := ExtractPayload(path, dest, ExtractOptions{}); err == nil {
			t.Error("ExtractPayload() succeeded without a key")
		}
	})
}

func TestExtractPayload_RejectsTraversal(t *testing.T) {
	t.Parallel()

	// Inner tar with a member that tries to climb out of the destination.
	var inner bytes.Buffer
	tw := tar.NewWriter(&inner)
	evil := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "data/../../evil.txt", Mode: 0644, Size: int64(len(evil))}); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	if _, err := tw.Write(evil); err != nil {
		t.Fatalf("writing content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing inner tar: %v", err)
	}

	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	if _, err := io.Copy(gz, &inner); err != nil {
		t.Fatalf("compressing payload: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "evil.tar")
	if err := WriteArchive(path, testManifest(true), &gzipped, int64(gzipped.Len())); err != nil {
		t.Fatalf("WriteArchive() error = %v", err)
	}

	dest := t.TempDir()
	if err := ExtractPayload(path, dest, ExtractOptions{}); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("ExtractPayload() error = %v, want ErrCorruptArchive", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt")); err == nil {
		t.Error("traversal member was written outside the destination")
	}
}

func TestValidatePassword(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	protectedPath := filepath.Join(dir, "protected.tar")
	writeProtectedArchive(t, protectedPath, "hunter2", map[string]string{"a.txt": "a"})
	plainPath := filepath.Join(dir, "plain.tar")
	writeCompressedArchive(t, plainPath, map[string]string{"a.txt": "a"})

	tests := []struct {
		name     string
		path     string
		password string
		want     bool
	}{
		{name: "correct password", path: protectedPath, password: "hunter2", want: true},
		{name: "wrong password", path: protectedPath, password: "wrong", want: false},
		{name: "unprotected archive accepts anything", path: plainPath, password: "irrelevant", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidatePassword(tt.path, tt.password)
			if err != nil {
				t.Fatalf("ValidatePassword() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidatePassword() = %v, want %v", got, tt.want)
			}
		})
	}
}
