package wgconf

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/org/wirebot/internal/apperr"
)

// ProfileDir locates the per-client profile files the lifecycle script exports.
// The script writes them to its export directory, which depends on how it was
// invoked, so several directories are searched in order. The first one is
// where restores put files back.
type ProfileDir struct {
	dirs []string
}

// NewProfileDir creates a ProfileDir searching dirs in order.
func NewProfileDir(dirs ...string) *ProfileDir {
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d != "" {
			clean = append(clean, d)
		}
	}
	return &ProfileDir{dirs: clean}
}

// Primary returns the directory restores write to.
func (p *ProfileDir) Primary() string {
	if len(p.dirs) == 0 {
		return ""
	}
	return p.dirs[0]
}

// Find returns the path of the profile for name, if one exists.
func (p *ProfileDir) Find(name string) (string, bool) {
	if strings.ContainsAny(name, `/\`) || name == "" {
		return "", false
	}
	for _, d := range p.dirs {
		path := filepath.Join(d, name+".conf")
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Read returns the profile text for name.
func (p *ProfileDir) Read(name string) ([]byte, error) {
	path, ok := p.Find(name)
	if !ok {
		return nil, fmt.Errorf("profile for %q: %w", name, apperr.ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("profile for %q: %w", name, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %w", apperr.ErrIO, err)
	}
	return data, nil
}

// Verify reports whether the profile's private key derives to publicKey.
func (p *ProfileDir) Verify(name, publicKey string) bool {
	data, err := p.Read(name)
	if err != nil {
		return false
	}
	priv := profilePrivateKey(data)
	if priv == "" {
		return false
	}
	pub, err := PublicKeyFromPrivate(priv)
	return err == nil && pub == publicKey
}

func profilePrivateKey(data []byte) string {
	section := ""
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			section = trimmed
			continue
		}
		if section != interfaceHead {
			continue
		}
		if f, ok := parseField(trimmed); ok && strings.EqualFold(f.Key, "PrivateKey") {
			return f.Value
		}
	}
	return ""
}

// PublicKeyFromPrivate derives a base64 WireGuard public key from a base64 private key.
func PublicKeyFromPrivate(private string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(private)
	if err != nil {
		return "", fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key must be %d bytes, got %d", curve25519.ScalarSize, len(raw))
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("deriving public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
