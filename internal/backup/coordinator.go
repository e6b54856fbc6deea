// Package backup archives the WireGuard configuration and client profiles
// and restores them. Archives are verified in full before anything on disk is
// replaced.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/gateway"
	"github.com/org/wirebot/internal/wgconf"
	"github.com/org/wirebot/pkg/models"
)

var backupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "wirebot_backups_total",
	Help: "Backup and restore attempts by operation and result.",
}, []string{"op", "result"})

func init() {
	prometheus.MustRegister(backupsTotal)
}

// Reloader restarts the interface after a restore.
type Reloader interface {
	Reload(ctx context.Context) (gateway.Result, error)
}

// Pruner drops operation records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Mirror receives a copy of every new archive.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// Coordinator creates, lists and restores archives in one directory.
type Coordinator struct {
	store    *wgconf.Store
	dir      string
	reloader Reloader
	pruner   Pruner
	mirror   Mirror
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPruner prunes the operation log during rotation.
func WithPruner(p Pruner) Option { return func(c *Coordinator) { c.pruner = p } }

// WithMirror uploads each new archive.
func WithMirror(m Mirror) Option { return func(c *Coordinator) { c.mirror = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator creates a Coordinator writing archives to dir.
func NewCoordinator(store *wgconf.Store, dir string, reloader Reloader, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		dir:      dir,
		reloader: reloader,
		log:      logger.With().Str("component", "backup").Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dir returns the archive directory.
func (c *Coordinator) Dir() string { return c.dir }

func backupErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrBackup, fmt.Sprintf(format, args...))
}

// Create archives the current config and the profiles of its clients.
func (c *Coordinator) Create(ctx context.Context) (*Archive, error) {
	arch, data, err := c.create(ctx)
	if err != nil {
		backupsTotal.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	backupsTotal.WithLabelValues("create", "ok").Inc()
	c.log.Info().Str("archive", arch.Name).Int64("size", arch.Size).Int("entries", arch.Entries).Msg("backup created")

	if c.mirror != nil {
		if err := c.mirror.Upload(ctx, arch.Name, data); err != nil {
			c.log.Warn().Err(err).Str("archive", arch.Name).Msg("mirror upload failed")
		}
	}
	return arch, nil
}

func (c *Coordinator) create(ctx context.Context) (*Archive, []byte, error) {
	c.store.Lock()
	defer c.store.Unlock()

	snap, err := c.store.Load(ctx)
	if err != nil {
		if wgconf.IsNotInstalled(err) {
			return nil, nil, fmt.Errorf("%w: %w", apperr.ErrBackup, apperr.ErrNotInstalled)
		}
		return nil, nil, err
	}

	entries := []entry{{path: configEntry, data: snap.Bytes()}}
	for _, p := range snap.Peers() {
		data, err := c.store.Profiles().Read(p.Name)
		if errors.Is(err, apperr.ErrNotFound) {
			c.log.Debug().Str("client", p.Name).Msg("no profile to back up")
			continue
		}
		if err != nil {
			return nil, nil, backupErr("reading profile %q: %v", p.Name, err)
		}
		entries = append(entries, entry{path: profilesDir + "/" + p.Name + ".conf", data: data})
	}

	created := c.now().UTC().Truncate(time.Second)
	name := Name(created)
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return nil, nil, backupErr("creating %s: %v", c.dir, err)
	}
	target := filepath.Join(c.dir, name)
	if _, err := os.Stat(target); err == nil {
		return nil, nil, backupErr("%s already exists", name)
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, created, entries); err != nil {
		return nil, nil, backupErr("encoding archive: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := wgconf.AtomicWriteFile(target, buf.Bytes(), 0o600); err != nil {
		return nil, nil, backupErr("writing %s: %v", name, err)
	}
	return &Archive{Name: name, Size: int64(buf.Len()), CreatedAt: created, Entries: len(entries)}, buf.Bytes(), nil
}

// List returns the archives in the directory, newest first.
func (c *Coordinator) List(ctx context.Context) ([]Archive, error) {
	ents, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, backupErr("listing %s: %v", c.dir, err)
	}
	var out []Archive
	for _, e := range ents {
		created, err := ParseName(e.Name())
		if err != nil || !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		a := Archive{Name: e.Name(), Size: fi.Size(), CreatedAt: created}
		if f, err := os.Open(filepath.Join(c.dir, e.Name())); err == nil {
			if m, err := readManifest(f); err == nil {
				a.Entries = len(m.Files)
			}
			f.Close()
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Archive) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (c *Coordinator) path(name string) (string, error) {
	if _, err := ParseName(name); err != nil {
		return "", err
	}
	p := filepath.Join(c.dir, name)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("backup %q: %w", name, apperr.ErrNotFound)
		}
		return "", backupErr("%v", err)
	}
	return p, nil
}

// Delete removes one archive.
func (c *Coordinator) Delete(ctx context.Context, name string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return backupErr("removing %s: %v", name, err)
	}
	c.log.Info().Str("archive", name).Msg("backup deleted")
	return nil
}

// Verify reads an archive and checks it without touching the live config.
func (c *Coordinator) Verify(ctx context.Context, name string) (*Archive, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}
	m, files, err := c.read(p)
	if err != nil {
		return nil, err
	}
	if _, err := wgconf.Parse(files[configEntry]); err != nil {
		return nil, corrupt("%s: %v", configEntry, err)
	}
	fi, _ := os.Stat(p)
	a := &Archive{Name: name, CreatedAt: m.CreatedAt, Entries: len(m.Files)}
	if fi != nil {
		a.Size = fi.Size()
	}
	return a, nil
}

func (c *Coordinator) read(p string) (*manifest, map[string][]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, backupErr("opening %s: %v", filepath.Base(p), err)
	}
	defer f.Close()
	return readArchive(f)
}

// Restore replaces the live config and profiles with an archive's contents
// and reloads the interface. Only the bot owner may restore; the check runs
// before the archive is opened.
func (c *Coordinator) Restore(ctx context.Context, name string, op *models.Operator) error {
	if !op.IsOwner() {
		return fmt.Errorf("%w: restore", apperr.ErrNotOwner)
	}
	err := c.restore(ctx, name)
	if err != nil {
		backupsTotal.WithLabelValues("restore", "error").Inc()
		return err
	}
	backupsTotal.WithLabelValues("restore", "ok").Inc()
	return nil
}

func (c *Coordinator) restore(ctx context.Context, name string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	_, files, err := c.read(p)
	if err != nil {
		return err
	}
	restored, err := wgconf.Parse(files[configEntry])
	if err != nil {
		return corrupt("%s: %v", configEntry, err)
	}

	c.store.Lock()
	defer c.store.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	var previous *wgconf.Snapshot
	if snap, err := c.store.Load(ctx); err == nil {
		previous = snap
	}

	profileDir := c.store.Profiles().Primary()
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrIO, err)
	}
	// Profiles go first so the restored config never names a missing profile.
	// If anything fails before the config is swapped, the profiles are put back.
	var undo []savedProfile
	for entryPath, data := range files {
		client, _ := entryName(entryPath)
		if client == "" {
			continue
		}
		target := filepath.Join(profileDir, client+".conf")
		saved, err := saveProfile(target)
		if err != nil {
			c.rollback(undo)
			return fmt.Errorf("%w: reading profile %q: %w", apperr.ErrIO, client, err)
		}
		undo = append(undo, saved)
		if err := wgconf.AtomicWriteFile(target, data, 0o600); err != nil {
			c.rollback(undo)
			return fmt.Errorf("%w: restoring profile %q: %w", apperr.ErrIO, client, err)
		}
	}
	if err := c.store.Write(ctx, files[configEntry]); err != nil {
		c.rollback(undo)
		return err
	}
	if previous != nil {
		for _, peer := range previous.Peers() {
			if _, kept := restored.Peer(peer.Name); kept {
				continue
			}
			if err := os.Remove(filepath.Join(profileDir, peer.Name+".conf")); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.log.Warn().Err(err).Str("client", peer.Name).Msg("removing stale profile")
			}
		}
	}
	c.log.Info().Str("archive", name).Int("clients", restored.Len()).Msg("configuration restored")

	res, err := c.reloader.Reload(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if err := res.Err("reload"); err != nil {
		return err
	}
	return nil
}

// savedProfile is a profile's content before restore touched it.
type savedProfile struct {
	path    string
	data    []byte
	existed bool
}

func saveProfile(path string) (savedProfile, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return savedProfile{path: path, data: data, existed: true}, nil
	case errors.Is(err, fs.ErrNotExist):
		return savedProfile{path: path}, nil
	}
	return savedProfile{}, err
}

// rollback puts saved profiles back, newest change first.
func (c *Coordinator) rollback(saved []savedProfile) {
	for i := len(saved) - 1; i >= 0; i-- {
		sp := saved[i]
		var err error
		if sp.existed {
			err = wgconf.AtomicWriteFile(sp.path, sp.data, 0o600)
		} else if rerr := os.Remove(sp.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			err = rerr
		}
		if err != nil {
			c.log.Error().Err(err).Str("profile", sp.path).Msg("rolling back restored profile")
		}
	}
}

// Rotate keeps the newest keep archives and deletes the rest. With a pruner
// configured, operation records older than the oldest kept archive are
// dropped too.
func (c *Coordinator) Rotate(ctx context.Context, keep int) (deleted []string, pruned int, err error) {
	if keep < 1 {
		return nil, 0, apperr.Validation("rotation must keep at least one archive")
	}
	archives, err := c.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(archives) > keep {
		for _, a := range archives[keep:] {
			if err := c.Delete(ctx, a.Name); err != nil {
				return deleted, 0, err
			}
			deleted = append(deleted, a.Name)
		}
		archives = archives[:keep]
	}
	if c.pruner != nil && len(archives) > 0 {
		oldest := archives[len(archives)-1].CreatedAt
		pruned, err = c.pruner.Prune(ctx, oldest)
		if err != nil {
			return deleted, 0, fmt.Errorf("pruning operation log: %w", err)
		}
	}
	return deleted, pruned, nil
}

// Schedule creates and rotates archives every interval until ctx is done.
func (c *Coordinator) Schedule(ctx context.Context, interval time.Duration, keep int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.log.Info().Dur("interval", interval).Int("keep", keep).Msg("backup schedule started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Create(ctx); err != nil {
				c.log.Error().Err(err).Msg("scheduled backup failed")
				continue
			}
			deleted, pruned, err := c.Rotate(ctx, keep)
			if err != nil {
				c.log.Error().Err(err).Msg("backup rotation failed")
				continue
			}
			if len(deleted) > 0 || pruned > 0 {
				c.log.Info().Strs("deleted", deleted).Int("pruned_records", pruned).Msg("backups rotated")
			}
		}
	}
}
