package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/home-assistant/core-sub043/internal/crypt"
)

// ManifestMember is the archive member holding the manifest. It is always
// the first member of the container.
const ManifestMember = "./backup.json"

// PayloadMember returns the archive member name of the payload tar for the
// given compression setting.
func PayloadMember(compressed bool) string {
	if compressed {
		return "./homeassistant.tar.gz"
	}
	return "./homeassistant.tar"
}

// payloadPrefix is stripped from inner tar member names on extraction.
const payloadPrefix = "data/"

// ProtectionPassword and ProtectionKeyfile are the values of the manifest
// extra key "protection" for encrypted payloads. Archives produced by other
// implementations carry no protection key; those are treated as
// password-protected when the protected flag is set.
const (
	protectionExtraKey = "protection"

	ProtectionPassword = "password"
	ProtectionKeyfile  = "keyfile"
)

// Protection returns the protection mode of the archive payload, or "" for
// unprotected archives.
func (m *Manifest) Protection() string {
	if !m.Protected {
		return ""
	}
	if mode, ok := m.Extra[protectionExtraKey].(string); ok && mode != "" {
		return mode
	}
	return ProtectionPassword
}

// WriteArchive writes a backup container to path: the manifest first, then
// the payload member streamed from payload. The payload must already be in
// its final on-wire form (gzip-compressed or encrypted). The file is written
// to a temporary name in the destination directory and renamed into place, so
// a failed write never leaves a partial archive at the final path.
func WriteArchive(archivePath string, m *Manifest, payload io.Reader, payloadSize int64) (err error) {
	manifestBytes, err := m.Encode()
	if err != nil {
		return err
	}

	dir := filepath.Dir(archivePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".hab-*.tar")
	if err != nil {
		return fmt.Errorf("creating temp archive: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	tw := tar.NewWriter(tmpFile)
	mtime := time.Now()

	if err = tw.WriteHeader(&tar.Header{
		Name:    ManifestMember,
		Mode:    0644,
		Size:    int64(len(manifestBytes)),
		ModTime: mtime,
	}); err != nil {
		return fmt.Errorf("writing manifest header: %w", err)
	}
	if _, err = tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	if err = tw.WriteHeader(&tar.Header{
		Name:    PayloadMember(m.Compressed),
		Mode:    0644,
		Size:    payloadSize,
		ModTime: mtime,
	}); err != nil {
		return fmt.Errorf("writing payload header: %w", err)
	}
	if _, err = io.Copy(tw, payload); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}

	if err = tw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp archive: %w", err)
	}
	if err = os.Rename(tmpPath, archivePath); err != nil {
		return fmt.Errorf("renaming archive into place: %w", err)
	}
	return nil
}

// isManifestMember accepts both "./backup.json" and "backup.json".
func isManifestMember(name string) bool {
	return path.Clean(name) == "backup.json"
}

func isPayloadMember(name string) bool {
	clean := path.Clean(name)
	return clean == "homeassistant.tar" || clean == "homeassistant.tar.gz"
}

// ReadManifest extracts and parses the manifest from the archive at path
// without reading the payload. It also enforces the container invariant that
// the manifest's compressed flag matches the payload member's name.
func ReadManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	m, payloadName, _, err := scanContainer(f)
	if err != nil {
		return nil, err
	}
	if payloadName != "" && payloadName != PayloadMember(m.Compressed) {
		return nil, fmt.Errorf("%w: manifest compressed=%v but payload member is %q",
			ErrCorruptArchive, m.Compressed, payloadName)
	}
	return m, nil
}

// Validate checks that the archive at path has a readable manifest and that
// the payload member the manifest promises is present. It is used before any
// destructive restore step.
func Validate(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	m, payloadName, tr, err := scanContainer(f)
	if err != nil {
		return nil, err
	}
	if payloadName == "" {
		return nil, fmt.Errorf("%w: payload member is missing", ErrCorruptArchive)
	}
	if payloadName != PayloadMember(m.Compressed) {
		return nil, fmt.Errorf("%w: manifest compressed=%v but payload member is %q",
			ErrCorruptArchive, m.Compressed, payloadName)
	}
	// The reader is positioned at the payload member; confirm the first block
	// is actually readable.
	buf := make([]byte, 512)
	if _, err := tr.Read(buf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: payload member unreadable: %v", ErrCorruptArchive, err)
	}
	return m, nil
}

// scanContainer walks the outer tar. It returns the parsed manifest, the
// cleaned name of the payload member if one was seen, and a tar reader
// positioned at the payload member (nil if absent). Skipping member data is
// cheap because the underlying *os.File supports seeking.
func scanContainer(f *os.File) (*Manifest, string, *tar.Reader, error) {
	tr := tar.NewReader(f)
	var m *Manifest
	var payloadName string
	var atPayload bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", nil, fmt.Errorf("%w: reading archive: %v", ErrCorruptArchive, err)
		}
		switch {
		case isManifestMember(hdr.Name):
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, "", nil, fmt.Errorf("%w: reading manifest member: %v", ErrCorruptArchive, err)
			}
			m, err = ParseManifest(data)
			if err != nil {
				return nil, "", nil, err
			}
		case isPayloadMember(hdr.Name):
			payloadName = "./" + path.Clean(hdr.Name)
			atPayload = true
		}
		if m != nil && atPayload {
			break
		}
	}
	if m == nil {
		return nil, "", nil, fmt.Errorf("%w: manifest member is missing", ErrCorruptArchive)
	}
	if !atPayload {
		return m, "", nil, nil
	}
	return m, payloadName, tr, nil
}

// ExtractOptions supplies decryption material for protected payloads.
type ExtractOptions struct {
	// Key is the derived password key, required for password-protected
	// archives.
	Key []byte
	// Identity is the unlocked keyfile identity, required for
	// keyfile-protected archives.
	Identity *crypt.KeyfileIdentity
}

// ExtractPayload opens the inner payload tar of the archive at path,
// decrypting and decompressing as the manifest dictates, and extracts it into
// destDir with the "data/" prefix stripped from member names.
func ExtractPayload(archivePath, destDir string, opts ExtractOptions) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	m, payloadName, tr, err := scanContainer(f)
	if err != nil {
		return err
	}
	if payloadName == "" {
		return fmt.Errorf("%w: payload member is missing", ErrCorruptArchive)
	}
	if payloadName != PayloadMember(m.Compressed) {
		return fmt.Errorf("%w: manifest compressed=%v but payload member is %q",
			ErrCorruptArchive, m.Compressed, payloadName)
	}

	var payload io.Reader = tr
	switch m.Protection() {
	case ProtectionPassword:
		if opts.Key == nil {
			return fmt.Errorf("archive %s is password-protected but no key was provided", archivePath)
		}
		payload, err = crypt.NewDecryptReader(payload, opts.Key)
		if err != nil {
			return err
		}
	case ProtectionKeyfile:
		if opts.Identity == nil {
			return fmt.Errorf("archive %s is keyfile-protected but no identity was provided", archivePath)
		}
		payload, err = opts.Identity.WrapReader(payload)
		if err != nil {
			return err
		}
	}
	if m.Compressed {
		gz, err := gzip.NewReader(payload)
		if err != nil {
			return fmt.Errorf("%w: payload is not valid gzip: %v", ErrCorruptArchive, err)
		}
		defer gz.Close()
		payload = gz
	}

	return extractTree(tar.NewReader(payload), destDir)
}

// extractTree extracts the inner payload tar into destDir, stripping the
// "data/" prefix.
func extractTree(tr *tar.Reader, destDir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading payload tar: %v", ErrCorruptArchive, err)
		}

		// Traversal is checked on the raw name: path.Clean would fold ".."
		// segments away before they could be seen.
		if path.IsAbs(hdr.Name) || hasDotDot(hdr.Name) {
			return fmt.Errorf("%w: payload member %q escapes the destination", ErrCorruptArchive, hdr.Name)
		}

		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		// The tree root itself carries no content of its own.
		if name == "data" || name == "." {
			continue
		}
		if !strings.HasPrefix(name, payloadPrefix) {
			continue
		}
		name = strings.TrimPrefix(name, payloadPrefix)
		if name == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, hdr, target); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent directory for %s: %w", target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", target, err)
			}
		default:
			// Device nodes and the like have no business in a configuration
			// tree; skip them.
		}
	}
}

func hasDotDot(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func extractFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", target, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("writing file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing file %s: %w", target, err)
	}
	if !hdr.ModTime.IsZero() {
		if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			return fmt.Errorf("setting file times on %s: %w", target, err)
		}
	}
	return nil
}

// ValidatePassword reports whether password decrypts the payload of the
// archive at path. A wrong password returns (false, nil), never an error;
// only unexpected I/O or structural failures surface as errors. Unprotected
// archives validate trivially.
func ValidatePassword(archivePath, password string) (bool, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return false, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	m, payloadName, tr, err := scanContainer(f)
	if err != nil {
		return false, err
	}
	switch m.Protection() {
	case "":
		return true, nil
	case ProtectionKeyfile:
		return false, fmt.Errorf("archive %s is keyfile-protected, not password-protected", archivePath)
	}
	if payloadName == "" {
		return false, fmt.Errorf("%w: payload member is missing", ErrCorruptArchive)
	}

	dec, err := crypt.NewDecryptReader(tr, crypt.DeriveKey(password))
	if err != nil {
		return false, err
	}
	// Authenticating the first frame is enough; DecryptReader reports a
	// first-frame failure as ErrInvalidPassword.
	buf := make([]byte, 1)
	_, err = dec.Read(buf)
	switch {
	case err == nil, err == io.EOF:
		return true, nil
	case errors.Is(err, crypt.ErrInvalidPassword):
		return false, nil
	default:
		return false, err
	}
}
