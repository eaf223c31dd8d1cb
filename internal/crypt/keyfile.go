package crypt

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// KeyfileEncryptor protects backups with an age X25519 key pair instead of a
// password. The recipient (public key) is stored in plaintext so scheduled
// backups can be created unattended; the identity (private key) is encrypted
// with the operator's passphrase using age's scrypt recipient and only
// unlocked for the duration of a restore.
type KeyfileEncryptor struct {
	recipientPath string
	identityPath  string
}

// NewKeyfileEncryptor creates a KeyfileEncryptor reading keys from the given
// paths.
func NewKeyfileEncryptor(recipientPath, identityPath string) *KeyfileEncryptor {
	return &KeyfileEncryptor{recipientPath: recipientPath, identityPath: identityPath}
}

// Setup generates a new X25519 key pair, writes the recipient in plaintext,
// and writes the identity encrypted under the passphrase.
func (e *KeyfileEncryptor) Setup(passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(e.recipientPath), 0700); err != nil {
		return fmt.Errorf("creating recipient key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.identityPath), 0700); err != nil {
		return fmt.Errorf("creating identity key directory: %w", err)
	}

	if err := os.WriteFile(e.recipientPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing recipient key: %w", err)
	}

	identityFile, err := os.OpenFile(e.identityPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating identity key file: %w", err)
	}
	defer identityFile.Close()

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	w, err := age.Encrypt(identityFile, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted identity: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted identity: %w", err)
	}
	return nil
}

// IsConfigured returns true if both key files exist.
func (e *KeyfileEncryptor) IsConfigured() bool {
	if _, err := os.Stat(e.recipientPath); err != nil {
		return false
	}
	if _, err := os.Stat(e.identityPath); err != nil {
		return false
	}
	return true
}

// Encrypt encrypts plaintext from r to w using the stored recipient.
// No passphrase is required.
func (e *KeyfileEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.loadRecipient()
	if err != nil {
		return fmt.Errorf("loading recipient key: %w", err)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// Unlock decrypts the identity file with the passphrase and returns a
// KeyfileIdentity usable for decryption until discarded. The unlocked key is
// held in memory only.
func (e *KeyfileEncryptor) Unlock(passphrase string) (*KeyfileIdentity, error) {
	data, err := os.ReadFile(e.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity key file: %w", err)
	}

	scryptIdentity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	decReader, err := age.Decrypt(bytes.NewReader(data), scryptIdentity)
	if err != nil {
		return nil, fmt.Errorf("decrypting identity key: %w", err)
	}
	keyData, err := io.ReadAll(decReader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted identity key: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing identity key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in identity key file")
	}
	return &KeyfileIdentity{identity: identities[0]}, nil
}

func (e *KeyfileEncryptor) loadRecipient() (age.Recipient, error) {
	data, err := os.ReadFile(e.recipientPath)
	if err != nil {
		return nil, fmt.Errorf("reading recipient key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing recipient key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in recipient key file")
	}
	return recipients[0], nil
}

// KeyfileIdentity holds an unlocked age identity for decrypting payloads.
type KeyfileIdentity struct {
	identity age.Identity
}

// WrapReader returns a reader yielding the plaintext of the age-encrypted
// stream r.
func (c *KeyfileIdentity) WrapReader(r io.Reader) (io.Reader, error) {
	return age.Decrypt(r, c.identity)
}

// Decrypt reads age-encrypted ciphertext from r and writes plaintext to w.
func (c *KeyfileIdentity) Decrypt(r io.Reader, w io.Writer) error {
	decReader, err := c.WrapReader(r)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}
