// Package crypto seals backup archives before they leave the host. Each
// archive gets a fresh data key; the data key is wrapped with a key derived
// from the operator-supplied passphrase.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MirrorContext is the HKDF info string for archive mirror keys.
const MirrorContext = "wirebot-backup-mirror-v1"

// magic prefixes every sealed blob.
var magic = []byte("WBSEAL1\n")

// ErrSealed is returned when a blob is not a sealed archive or fails to open.
var ErrSealed = errors.New("sealed archive invalid")

// DeriveKEK derives a Key Encryption Key from a passphrase using HKDF-SHA256.
func DeriveKEK(passphrase []byte, context string) ([]byte, error) {
	if len(passphrase) < 16 {
		return nil, errors.New("encryption passphrase must be at least 16 bytes")
	}
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, passphrase, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

// GenerateDEK generates a 32-byte random Data Encryption Key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generating DEK: %w", err)
	}
	return dek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// encryptAESGCM encrypts plaintext with AES-256-GCM and prepends the nonce.
func encryptAESGCM(plaintext, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// decryptAESGCM reverses encryptAESGCM.
func decryptAESGCM(data, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrSealed)
	}
	plaintext, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext under a fresh DEK and wraps the DEK with kek. name
// is bound to the ciphertext as associated data.
//
// Layout: magic | uint16 wrapped DEK length | wrapped DEK | nonce+ciphertext.
func Seal(plaintext, kek []byte, name string) ([]byte, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer clear(dek)
	wrapped, err := encryptAESGCM(dek, kek, magic)
	if err != nil {
		return nil, fmt.Errorf("wrapping DEK: %w", err)
	}
	body, err := encryptAESGCM(plaintext, dek, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("encrypting archive: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + len(wrapped) + len(body))
	buf.Write(magic)
	binary.Write(&buf, binary.BigEndian, uint16(len(wrapped))) //nolint:errcheck
	buf.Write(wrapped)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Open decrypts a blob produced by Seal for the same name.
func Open(sealed, kek []byte, name string) ([]byte, error) {
	rest, ok := bytes.CutPrefix(sealed, magic)
	if !ok || len(rest) < 2 {
		return nil, fmt.Errorf("%w: bad header", ErrSealed)
	}
	n := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < n {
		return nil, fmt.Errorf("%w: truncated key", ErrSealed)
	}
	dek, err := decryptAESGCM(rest[:n], kek, magic)
	if err != nil {
		return nil, fmt.Errorf("unwrapping DEK: %w", err)
	}
	defer clear(dek)
	return decryptAESGCM(rest[n:], dek, []byte(name))
}
