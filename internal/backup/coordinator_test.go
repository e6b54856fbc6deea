package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/lifecycle"
	"github.com/org/wirebot/internal/lifecycle/lifecycletest"
	"github.com/org/wirebot/internal/wgconf"
	"github.com/org/wirebot/pkg/models"
)

var (
	owner    = &models.Operator{ID: 1, Role: models.RoleOwner, State: models.StateAuthorized}
	operator = &models.Operator{ID: 42, Role: models.RoleAuthorized, State: models.StateAuthorized}
	t0       = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
)

type fixture struct {
	store   *wgconf.Store
	gw      *lifecycletest.Gateway
	clients *lifecycle.Manager
	coord   *Coordinator
	clock   time.Time
	dir     string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, gw, err := lifecycletest.Setup(dir)
	require.NoError(t, err)
	f := &fixture{store: store, gw: gw, clock: t0, dir: filepath.Join(dir, "backups")}
	f.clients = lifecycle.NewManager(store, gw, zerolog.Nop())
	opts = append([]Option{WithClock(func() time.Time { return f.clock })}, opts...)
	f.coord = NewCoordinator(store, f.dir, gw, zerolog.Nop(), opts...)
	return f
}

func (f *fixture) add(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := f.clients.AddClient(context.Background(), operator, n, nil)
		require.NoError(t, err)
	}
}

func (f *fixture) config(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)
	return data
}

func (f *fixture) profileExists(name string) bool {
	_, ok := f.store.Profiles().Find(name)
	return ok
}

func TestNameRoundTrip(t *testing.T) {
	name := Name(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "wireguard_backup_20260102_030405.tar.gz", name)
	got, err := ParseName(name)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got)

	for _, bad := range []string{"", "backup.tar.gz", "../wireguard_backup_20260102_030405.tar.gz", "wireguard_backup_2026_0304.tar.gz"} {
		_, err := ParseName(bad)
		assert.ErrorIs(t, err, apperr.ErrValidation, bad)
	}
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "alice", "bob")

	a, err := f.coord.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, Name(t0), a.Name)
	assert.Equal(t, 3, a.Entries)
	assert.Positive(t, a.Size)

	f.clock = t0.Add(time.Hour)
	b, err := f.coord.Create(ctx)
	require.NoError(t, err)

	list, err := f.coord.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.Name, list[0].Name, "newest first")
	assert.Equal(t, a.Name, list[1].Name)
	assert.Equal(t, 3, list[1].Entries)
	assert.Equal(t, t0, list[1].CreatedAt)

	fi, err := os.Stat(filepath.Join(f.dir, a.Name))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestCreateSameSecondFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Create(context.Background())
	require.NoError(t, err)
	_, err = f.coord.Create(context.Background())
	assert.ErrorIs(t, err, apperr.ErrBackup)
}

func TestCreateNotInstalled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.store.Path()))
	_, err := f.coord.Create(context.Background())
	assert.ErrorIs(t, err, apperr.ErrBackup)
	assert.ErrorIs(t, err, apperr.ErrNotInstalled)
}

func TestListEmptyDir(t *testing.T) {
	f := newFixture(t)
	list, err := f.coord.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "alice", "bob")
	archived := f.config(t)

	a, err := f.coord.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, f.clients.RemoveClient(ctx, operator, "alice"))
	f.add(t, "carol")
	require.False(t, f.profileExists("alice"))

	require.NoError(t, f.coord.Restore(ctx, a.Name, owner))

	assert.Equal(t, archived, f.config(t))
	assert.True(t, f.profileExists("alice"))
	assert.True(t, f.profileExists("bob"))
	assert.False(t, f.profileExists("carol"), "profiles of clients absent from the archive are removed")
	assert.Equal(t, 1, f.gw.CallCount("reload"))

	c, err := f.clients.GetClient(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, c.ProfileValid)
	assert.Equal(t, operator.ID, c.Owner)
}

func TestRestoreByNonOwnerChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "alice")
	a, err := f.coord.Create(ctx)
	require.NoError(t, err)
	f.add(t, "bob")
	before := f.config(t)

	err = f.coord.Restore(ctx, a.Name, operator)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	assert.Equal(t, before, f.config(t))
	assert.True(t, f.profileExists("bob"))
	assert.Zero(t, f.gw.CallCount("reload"))

	// The owner check runs before the archive is looked up.
	err = f.coord.Restore(ctx, "no-such-archive", operator)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	err = f.coord.Restore(ctx, a.Name, nil)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
}

func writeRaw(t *testing.T, dir, name string, m *manifest, files []entry) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	var buf bytes.Buffer
	if m == nil {
		require.NoError(t, writeArchive(&buf, t0, files))
	} else {
		require.NoError(t, writeWithManifest(&buf, m, files))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o600))
}

func TestRestoreRejectsCorruptArchives(t *testing.T) {
	conf := []byte(lifecycletest.BaseConfig)
	good := manifestFile{Path: configEntry, Size: int64(len(conf)), Blake2b: sum(conf)}

	cases := map[string]func(t *testing.T, dir, name string){
		"not gzip": func(t *testing.T, dir, name string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("plain text"), 0o600))
		},
		"truncated": func(t *testing.T, dir, name string) {
			writeRaw(t, dir, name, nil, []entry{{configEntry, conf}})
			data, err := os.ReadFile(filepath.Join(dir, name))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), data[:len(data)/2], 0o600))
		},
		"checksum mismatch": func(t *testing.T, dir, name string) {
			bad := good
			bad.Blake2b = sum([]byte("other"))
			writeRaw(t, dir, name, &manifest{Version: 1, CreatedAt: t0, Files: []manifestFile{bad}}, []entry{{configEntry, conf}})
		},
		"size mismatch": func(t *testing.T, dir, name string) {
			bad := good
			bad.Size++
			writeRaw(t, dir, name, &manifest{Version: 1, CreatedAt: t0, Files: []manifestFile{bad}}, []entry{{configEntry, conf}})
		},
		"listed file missing": func(t *testing.T, dir, name string) {
			extra := manifestFile{Path: "clients/alice.conf", Size: 1, Blake2b: sum([]byte("x"))}
			writeRaw(t, dir, name, &manifest{Version: 1, CreatedAt: t0, Files: []manifestFile{good, extra}}, []entry{{configEntry, conf}})
		},
		"unlisted file": func(t *testing.T, dir, name string) {
			writeRaw(t, dir, name, &manifest{Version: 1, CreatedAt: t0, Files: []manifestFile{good}},
				[]entry{{configEntry, conf}, {"clients/alice.conf", []byte("x")}})
		},
		"path traversal": func(t *testing.T, dir, name string) {
			writeRaw(t, dir, name, nil, []entry{{configEntry, conf}, {"clients/../../etc.conf", []byte("x")}})
		},
		"config missing": func(t *testing.T, dir, name string) {
			writeRaw(t, dir, name, nil, []entry{{"clients/alice.conf", []byte("x")}})
		},
		"config does not parse": func(t *testing.T, dir, name string) {
			writeRaw(t, dir, name, nil, []entry{{configEntry, []byte("# BEGIN_PEER x\n")}})
		},
		"wrong manifest version": func(t *testing.T, dir, name string) {
			writeRaw(t, dir, name, &manifest{Version: 9, CreatedAt: t0, Files: []manifestFile{good}}, []entry{{configEntry, conf}})
		},
	}
	for label, build := range cases {
		t.Run(label, func(t *testing.T) {
			f := newFixture(t)
			f.add(t, "alice")
			before := f.config(t)
			require.NoError(t, os.MkdirAll(f.dir, 0o700))
			name := Name(t0)
			build(t, f.dir, name)

			err := f.coord.Restore(context.Background(), name, owner)
			assert.ErrorIs(t, err, apperr.ErrArchiveCorrupt)
			assert.Equal(t, before, f.config(t))
			assert.True(t, f.profileExists("alice"))
			assert.Zero(t, f.gw.CallCount("reload"))

			_, err = f.coord.Verify(context.Background(), name)
			assert.ErrorIs(t, err, apperr.ErrArchiveCorrupt)
		})
	}
}

func TestRestoreReloadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "alice")
	a, err := f.coord.Create(ctx)
	require.NoError(t, err)
	archived := f.config(t)
	f.add(t, "bob")

	f.gw.Mode = lifecycletest.FailExit
	err = f.coord.Restore(ctx, a.Name, owner)
	var ge *apperr.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "simulated failure", ge.Diagnostic())
	assert.Equal(t, archived, f.config(t), "files are restored even when the reload fails")
}

func TestRestoreConfigWriteFailureKeepsProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "alice", "bob")
	a, err := f.coord.Create(ctx)
	require.NoError(t, err)

	alicePath, ok := f.store.Profiles().Find("alice")
	require.True(t, ok)
	require.NoError(t, os.WriteFile(alicePath, []byte("local edit\n"), 0o600))
	require.NoError(t, f.clients.RemoveClient(ctx, operator, "bob"))
	require.False(t, f.profileExists("bob"))

	// A directory in place of the config file makes the final rename fail.
	require.NoError(t, os.Remove(f.store.Path()))
	require.NoError(t, os.Mkdir(f.store.Path(), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(f.store.Path(), "keep"), nil, 0o600))

	err = f.coord.Restore(ctx, a.Name, owner)
	require.ErrorIs(t, err, apperr.ErrIO)

	data, err := os.ReadFile(alicePath)
	require.NoError(t, err)
	assert.Equal(t, "local edit\n", string(data))
	assert.False(t, f.profileExists("bob"), "profiles the restore created are removed again")
	assert.Zero(t, f.gw.CallCount("reload"))
}

func TestRestoreUnknownArchive(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Restore(context.Background(), Name(t0), owner)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = f.coord.Restore(context.Background(), "../../wg0.conf", owner)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.coord.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, f.coord.Delete(ctx, a.Name))
	list, err := f.coord.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, f.coord.Delete(ctx, a.Name), apperr.ErrNotFound)
	assert.ErrorIs(t, f.coord.Delete(ctx, "wg0.conf"), apperr.ErrValidation)
}

type recordingPruner struct {
	before []time.Time
	n      int
}

func (p *recordingPruner) Prune(_ context.Context, before time.Time) (int, error) {
	p.before = append(p.before, before)
	return p.n, nil
}

func TestRotate(t *testing.T) {
	pruner := &recordingPruner{n: 5}
	f := newFixture(t, WithPruner(pruner))
	ctx := context.Background()

	var names []string
	for i := range 3 {
		f.clock = t0.Add(time.Duration(i) * time.Hour)
		a, err := f.coord.Create(ctx)
		require.NoError(t, err)
		names = append(names, a.Name)
	}

	deleted, pruned, err := f.coord.Rotate(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{names[0]}, deleted)
	assert.Equal(t, 5, pruned)
	assert.Equal(t, []time.Time{t0.Add(time.Hour)}, pruner.before)

	list, err := f.coord.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, names[2], list[0].Name)

	_, _, err = f.coord.Rotate(ctx, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

type memMirror struct {
	uploads map[string][]byte
	err     error
}

func (m *memMirror) Upload(_ context.Context, name string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.uploads[name] = data
	return nil
}

func TestMirrorUpload(t *testing.T) {
	mirror := &memMirror{uploads: map[string][]byte{}}
	f := newFixture(t, WithMirror(mirror))
	a, err := f.coord.Create(context.Background())
	require.NoError(t, err)

	local, err := os.ReadFile(filepath.Join(f.dir, a.Name))
	require.NoError(t, err)
	assert.Equal(t, local, mirror.uploads[a.Name])

	mirror.err = errors.New("bucket unreachable")
	f.clock = f.clock.Add(time.Second)
	_, err = f.coord.Create(context.Background())
	assert.NoError(t, err, "a mirror failure does not fail the local backup")
}

func TestScheduleStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.coord.Schedule(ctx, time.Hour, 3)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not stop")
	}
}
