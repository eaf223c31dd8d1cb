package crypt

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidPassword is returned when the first frame of an encrypted stream
// fails authentication. It is distinct from corruption errors so callers can
// report "wrong password" instead of "file damaged".
var ErrInvalidPassword = errors.New("invalid backup password")

// KeySize is the size in bytes of a derived stream key.
const KeySize = chacha20poly1305.KeySize

// ChunkSize is the plaintext size of one encrypted frame. Streams are
// processed frame by frame so multi-gigabyte payloads never have to be held
// in memory.
const ChunkSize = 64 * 1024

// frameVersion is authenticated as part of every frame's AAD; tampering with
// it fails authentication. (AAD layout follows the encrypted-blob scheme used
// for artifact containers.)
const frameVersion byte = 0x01

const (
	flagFinal byte = 0x01

	frameHeaderSize = 5 // 1 flags byte + 4-byte big-endian ciphertext length
	maxCiphertext   = ChunkSize + chacha20poly1305.Overhead
)

// deriveSalt is the fixed salt for password key derivation. Keys must be
// re-derivable from the password alone on the decrypt side, so the salt is a
// protocol constant rather than per-archive random data.
var deriveSalt = []byte("homeassistant.backup.key.v1")

const deriveIterations = 100_000

// DeriveKey derives the symmetric stream key from a user password. The
// function is deterministic: the same password always yields the same key.
func DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), deriveSalt, deriveIterations, KeySize, sha256.New)
}

// frameNonce builds the 24-byte nonce for frame i: 16 zero bytes followed by
// the big-endian frame counter. Keys are single-use per stream (freshly
// derived per archive write), so a counter nonce is safe and also binds frame
// order: reordered frames fail authentication.
func frameNonce(i uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSizeX-8:], i)
	return nonce
}

func frameAAD(flags byte) []byte {
	return []byte{frameVersion, flags}
}

// EncryptWriter encrypts a byte stream into authenticated frames:
//
//	[flags: 1 byte] [ciphertext length: 4 bytes BE] [ciphertext+tag]
//
// Plaintext is consumed in ChunkSize frames. Close writes the final frame
// (possibly with an empty plaintext) carrying the final flag, which lets the
// decrypt side detect truncated streams.
type EncryptWriter struct {
	dst    io.Writer
	aead   cipher.AEAD
	buf    []byte
	frame  uint64
	closed bool
}

// NewEncryptWriter creates an EncryptWriter. The key must be KeySize bytes,
// normally the output of DeriveKey.
func NewEncryptWriter(dst io.Writer, key []byte) (*EncryptWriter, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating stream cipher: %w", err)
	}
	return &EncryptWriter{dst: dst, aead: aead, buf: make([]byte, 0, ChunkSize)}, nil
}

func (w *EncryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed EncryptWriter")
	}
	total := len(p)
	for len(p) > 0 {
		n := ChunkSize - len(w.buf)
		if n > len(p) {
			n = len(p)
		}
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		if len(w.buf) == ChunkSize {
			if err := w.flushFrame(0); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Close writes the final frame. It does not close the underlying writer.
func (w *EncryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flushFrame(flagFinal)
}

func (w *EncryptWriter) flushFrame(flags byte) error {
	ct := w.aead.Seal(nil, frameNonce(w.frame), w.buf, frameAAD(flags))
	w.frame++
	w.buf = w.buf[:0]

	header := make([]byte, frameHeaderSize)
	header[0] = flags
	binary.BigEndian.PutUint32(header[1:], uint32(len(ct)))
	if _, err := w.dst.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.dst.Write(ct); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// DecryptReader is the inverse of EncryptWriter. Authentication failure on
// the very first frame is reported as ErrInvalidPassword; failures on later
// frames indicate tampering or corruption rather than a wrong password.
type DecryptReader struct {
	src   io.Reader
	aead  cipher.AEAD
	plain []byte
	frame uint64
	final bool
	err   error
}

// NewDecryptReader creates a DecryptReader over an encrypted frame stream.
func NewDecryptReader(src io.Reader, key []byte) (*DecryptReader, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating stream cipher: %w", err)
	}
	return &DecryptReader{src: src, aead: aead}, nil
}

func (r *DecryptReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.final {
			r.err = io.EOF
			return 0, io.EOF
		}
		if err := r.nextFrame(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *DecryptReader) nextFrame() error {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r.src, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// The final frame carries an explicit flag, so an EOF before it
			// means the stream was truncated.
			return fmt.Errorf("encrypted stream truncated before final frame: %w", io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("reading frame header: %w", err)
	}

	flags := header[0]
	ctLen := binary.BigEndian.Uint32(header[1:])
	if ctLen > maxCiphertext {
		return fmt.Errorf("frame ciphertext length %d exceeds maximum %d", ctLen, maxCiphertext)
	}

	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(r.src, ct); err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}

	plain, err := r.aead.Open(nil, frameNonce(r.frame), ct, frameAAD(flags))
	if err != nil {
		if r.frame == 0 {
			return ErrInvalidPassword
		}
		return fmt.Errorf("frame %d failed authentication: %w", r.frame, err)
	}
	r.frame++
	r.plain = plain
	if flags&flagFinal != 0 {
		r.final = true
	}
	return nil
}

// EncryptStream encrypts all of src into dst.
func EncryptStream(dst io.Writer, src io.Reader, key []byte) error {
	w, err := NewEncryptWriter(dst, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("encrypting stream: %w", err)
	}
	return w.Close()
}

// DecryptStream decrypts all of src into dst.
func DecryptStream(dst io.Writer, src io.Reader, key []byte) error {
	r, err := NewDecryptReader(src, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		return err
	}
	return nil
}
