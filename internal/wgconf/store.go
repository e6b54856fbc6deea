package wgconf

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/apperr"
)

// Store is the single source of truth for the server configuration file.
// Readers get fresh immutable snapshots; writers must hold Lock for the
// whole read-modify-verify cycle.
type Store struct {
	path     string
	profiles *ProfileDir
	log      zerolog.Logger

	mu sync.Mutex
}

// NewStore creates a Store for the config file at path.
func NewStore(path string, profiles *ProfileDir, logger zerolog.Logger) *Store {
	return &Store{
		path:     path,
		profiles: profiles,
		log:      logger.With().Str("component", "wgconf").Logger(),
	}
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// Profiles returns the client profile directory set.
func (s *Store) Profiles() *ProfileDir { return s.profiles }

// Lock acquires the single-writer lock.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the single-writer lock.
func (s *Store) Unlock() { s.mu.Unlock() }

// Exists reports whether the config file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and parses the current file.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperr.ErrIO, s.path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("config file failed to parse")
		return nil, err
	}
	return snap, nil
}

// IsNotInstalled reports whether err came from a missing config file.
func IsNotInstalled(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Write atomically replaces the config file with text. The text must parse.
// Callers hold Lock.
func (s *Store) Write(ctx context.Context, text []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := Parse(text); err != nil {
		return fmt.Errorf("refusing to write unparseable config: %w", err)
	}
	perm := os.FileMode(0o600)
	if fi, err := os.Stat(s.path); err == nil {
		perm = fi.Mode().Perm()
	}
	if err := AtomicWriteFile(s.path, text, perm); err != nil {
		return fmt.Errorf("%w: writing %s: %w", apperr.ErrIO, s.path, err)
	}
	s.log.Debug().Str("path", s.path).Int("bytes", len(text)).Msg("config written")
	return nil
}

// writeStage is called before each step of AtomicWriteFile. Tests use it to
// interrupt the write path.
var writeStage = func(stage string) error { return nil }

// AtomicWriteFile writes data to a temp file beside path and renames it over path.
// Readers observe either the old or the new content, never a mix.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := writeStage("write"); err != nil {
		return fail(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := writeStage("sync"); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := writeStage("rename"); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems reject fsync on directories.
	_ = d.Sync()
	return nil
}
