package hub

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/home-assistant/core-sub043/internal/archive"
	"github.com/home-assistant/core-sub043/internal/crypt"
)

// RestoreOptions configures the boot-time restore routine.
type RestoreOptions struct {
	// ConfigDir is the configuration tree to replace.
	ConfigDir string
	// Keyfile unlocks keyfile-protected archives.
	Keyfile *crypt.KeyfileEncryptor
	// PromptSecret asks the operator for a password or passphrase.
	PromptSecret func(prompt string) (string, error)
	Logger       Logger
}

// RestorePending performs a staged restore if the sentinel file exists.
// It reports whether a restore ran. The sentinel is removed only after the
// archive extracted successfully, so a crash mid-restore retries on the next
// start. The archive is fully validated, password included, before the
// existing configuration is removed.
func RestorePending(opts RestoreOptions) (bool, error) {
	sentinelPath := filepath.Join(opts.ConfigDir, RestoreSentinel)
	raw, err := os.ReadFile(sentinelPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading restore sentinel: %w", err)
	}

	archivePath, protection, err := parseSentinel(raw)
	if err != nil {
		return false, err
	}
	opts.Logger.Info("restore pending", "archive", archivePath, "protection", protection)

	if _, err := archive.Validate(archivePath); err != nil {
		return false, fmt.Errorf("validating %s: %w", archivePath, err)
	}

	var extract archive.ExtractOptions
	switch protection {
	case "":
	case archive.ProtectionPassword:
		password, err := opts.PromptSecret("Backup password: ")
		if err != nil {
			return false, err
		}
		ok, err := archive.ValidatePassword(archivePath, password)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, crypt.ErrInvalidPassword
		}
		extract.Key = crypt.DeriveKey(password)
	case archive.ProtectionKeyfile:
		if opts.Keyfile == nil || !opts.Keyfile.IsConfigured() {
			return false, fmt.Errorf("archive requires a keyfile but none is configured")
		}
		passphrase, err := opts.PromptSecret("Keyfile passphrase: ")
		if err != nil {
			return false, err
		}
		identity, err := opts.Keyfile.Unlock(passphrase)
		if err != nil {
			return false, err
		}
		extract.Identity = identity
	default:
		return false, fmt.Errorf("unknown protection mode %q in restore sentinel", protection)
	}

	if err := clearConfigDir(opts.ConfigDir, archivePath); err != nil {
		return false, err
	}

	if err := archive.ExtractPayload(archivePath, opts.ConfigDir, extract); err != nil {
		return false, fmt.Errorf("restoring %s: %w", archivePath, err)
	}

	if err := os.Remove(sentinelPath); err != nil {
		return false, fmt.Errorf("removing restore sentinel: %w", err)
	}
	opts.Logger.Info("restore complete", "archive", archivePath)
	return true, nil
}

// parseSentinel decodes the first sentinel line, "archive-path;protection".
// The protection field is empty for unprotected archives, and a line without
// a separator is a plain archive path.
func parseSentinel(raw []byte) (archivePath, protection string, err error) {
	line, _, _ := strings.Cut(string(raw), "\n")
	line = strings.TrimSpace(line)
	path, protection, _ := strings.Cut(line, ";")
	if path == "" {
		return "", "", fmt.Errorf("malformed restore sentinel %q", line)
	}
	return path, protection, nil
}

// clearConfigDir removes everything under the configuration directory except
// the entries a restore must not touch: the backup directory, the sentinel,
// and the tree holding the archive about to be extracted. The archive may
// live in a renamed backup directory under the configuration tree, and it
// must outlive the extraction that reads from it.
func clearConfigDir(configDir, archivePath string) error {
	keep := map[string]bool{
		"backups":       true,
		RestoreSentinel: true,
	}
	if rel, err := filepath.Rel(configDir, archivePath); err == nil {
		if first, _, _ := strings.Cut(filepath.ToSlash(rel), "/"); first != "" && first != "." && first != ".." {
			keep[first] = true
		}
	}

	entries, err := os.ReadDir(configDir)
	if err != nil {
		return fmt.Errorf("listing configuration directory: %w", err)
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(configDir, e.Name())); err != nil {
			return fmt.Errorf("clearing configuration directory: %w", err)
		}
	}
	return nil
}
