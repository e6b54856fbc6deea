package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/audit"
	"github.com/org/wirebot/internal/auth"
	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/internal/lifecycle"
	"github.com/org/wirebot/internal/lifecycle/lifecycletest"
	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/internal/wgconf"
	"github.com/org/wirebot/pkg/models"
)

const (
	ownerID = int64(1)
	alice   = int64(42)
	bob     = int64(43)
)

type fixture struct {
	svc   *Service
	gw    *lifecycletest.Gateway
	wg    *wgconf.Store
	state *storage.MemoryBackend
	audit *audit.Logger
	now   time.Time
}

func newFixture(t *testing.T, defaults auth.Defaults, orphans OrphanPolicy) *fixture {
	t.Helper()
	dir := t.TempDir()
	wg, gw, err := lifecycletest.Setup(dir)
	require.NoError(t, err)

	f := &fixture{gw: gw, wg: wg, state: storage.NewMemoryBackend(), now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	f.audit = audit.NewLogger(f.state, zerolog.Nop()).WithClock(func() time.Time { return f.now })
	clients := lifecycle.NewManager(wg, gw, zerolog.Nop())
	authMgr := auth.NewManager(f.state, f.audit, clients, defaults, zerolog.Nop())
	require.NoError(t, authMgr.Bootstrap(context.Background(), ownerID, []int64{alice, bob}))
	backups := backup.NewCoordinator(wg, filepath.Join(dir, "backups"), gw, zerolog.Nop(),
		backup.WithClock(func() time.Time { return f.now }), backup.WithPruner(f.audit))
	f.svc = NewService(authMgr, clients, backups, f.audit, orphans, zerolog.Nop())
	return f
}

func (f *fixture) tick(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) names(t *testing.T, operatorID int64) []string {
	t.Helper()
	seq, err := f.svc.ListClients(context.Background(), operatorID)
	require.NoError(t, err)
	var out []string
	for c := range seq {
		out = append(out, c.Name)
	}
	return out
}

func (f *fixture) records(t *testing.T, intent models.Intent) []*models.OperationRecord {
	t.Helper()
	recs, err := f.audit.Query(context.Background(), storage.RecordFilter{Intent: intent})
	require.NoError(t, err)
	return recs
}

func limits(maxClients, rate int) auth.Defaults {
	d := auth.DefaultDefaults()
	d.Limits.MaxClients = maxClients
	d.Limits.RateLimit = rate
	return d
}

// Two operators with a one-client quota each: a second add is refused until
// the first client is removed, and one operator's usage never affects the other.
func TestQuotaScenario(t *testing.T) {
	f := newFixture(t, limits(1, 10), OrphanRetain)
	ctx := context.Background()

	_, err := f.svc.AddClient(ctx, alice, "a1", nil)
	require.NoError(t, err)

	_, err = f.svc.AddClient(ctx, alice, "a2", nil)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	assert.Equal(t, 1, f.gw.CallCount("add"), "a refused add never reaches the script")

	_, err = f.svc.AddClient(ctx, bob, "b1", nil)
	require.NoError(t, err)

	err = f.svc.RemoveClient(ctx, alice, "b1")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	require.NoError(t, f.svc.RemoveClient(ctx, alice, "a1"))
	_, err = f.svc.AddClient(ctx, alice, "a2", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a2"}, f.names(t, alice))
	assert.Equal(t, []string{"b1"}, f.names(t, bob))
	assert.Equal(t, []string{"b1", "a2"}, f.names(t, ownerID))

	rejected := 0
	for _, r := range f.records(t, models.IntentAddClient) {
		if r.Outcome == models.OutcomeRejected {
			rejected++
			assert.Contains(t, r.Detail, "quota")
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestReadsAreScopedToOwnClients(t *testing.T) {
	f := newFixture(t, limits(-1, -1), OrphanRetain)
	ctx := context.Background()
	_, err := f.svc.AddClient(ctx, bob, "bobs", nil)
	require.NoError(t, err)

	_, err = f.svc.GetClient(ctx, alice, "bobs")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	_, err = f.svc.ClientStatus(ctx, alice, "bobs")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	_, err = f.svc.ClientProfile(ctx, alice, "bobs")
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	assert.Empty(t, f.names(t, alice))

	c, err := f.svc.GetClient(ctx, ownerID, "bobs")
	require.NoError(t, err)
	assert.Equal(t, bob, c.Owner)
	profile, err := f.svc.ClientProfile(ctx, bob, "bobs")
	require.NoError(t, err)
	assert.Contains(t, string(profile), "PrivateKey")
}

func TestRateLimitIgnoresRejections(t *testing.T) {
	f := newFixture(t, limits(-1, 2), OrphanRetain)
	ctx := context.Background()

	_, err := f.svc.AddClient(ctx, alice, "a", nil)
	require.NoError(t, err)
	f.tick(10 * time.Second)
	_, err = f.svc.AddClient(ctx, alice, "bad/name", nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
	f.tick(10 * time.Second)
	_, err = f.svc.AddClient(ctx, alice, "b", nil)
	require.NoError(t, err)
	f.tick(10 * time.Second)

	_, err = f.svc.AddClient(ctx, alice, "c", nil)
	var rl *apperr.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)

	// Reads are never rate limited.
	_, err = f.svc.ServerStatus(ctx, alice)
	require.NoError(t, err)

	// Other operators have their own window.
	_, err = f.svc.AddClient(ctx, bob, "c", nil)
	require.NoError(t, err)

	f.tick(31 * time.Second)
	_, err = f.svc.AddClient(ctx, alice, "d", nil)
	require.NoError(t, err)
}

func TestUnknownOperator(t *testing.T) {
	f := newFixture(t, auth.DefaultDefaults(), OrphanRetain)
	ctx := context.Background()

	_, err := f.svc.AddClient(ctx, 99, "x", nil)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Zero(t, f.gw.CallCount("add"))

	assert.Empty(t, f.names(t, 99), "unauthorized operators may list their own, empty, set")

	op, err := f.state.GetOperator(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnauthorized, op.State)

	recs := f.records(t, models.IntentAddClient)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeRejected, recs[0].Outcome)

	err = f.svc.Install(ctx, alice)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
}

func TestOperatorManagement(t *testing.T) {
	f := newFixture(t, auth.DefaultDefaults(), OrphanRetain)
	ctx := context.Background()

	_, err := f.svc.AuthorizeOperator(ctx, alice, 77, nil)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	op, err := f.svc.AuthorizeOperator(ctx, ownerID, 77, &models.Permissions{ViewStats: true})
	require.NoError(t, err)
	assert.Equal(t, models.StateAuthorized, op.State)
	assert.False(t, op.Permissions.ManageClients)

	_, err = f.svc.AddClient(ctx, 77, "x", nil)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized, "missing the client management permission")

	op, err = f.svc.SetLimits(ctx, ownerID, 77, models.Limits{MaxClients: 3, RateLimit: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, op.Limits.MaxClients)

	_, err = f.svc.SetLimits(ctx, ownerID, ownerID, models.Limits{MaxClients: 1})
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	_, _, err = f.svc.RevokeOperator(ctx, ownerID, ownerID)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	ops, err := f.svc.ListOperators(ctx, ownerID)
	require.NoError(t, err)
	assert.Len(t, ops, 4)
	_, err = f.svc.ListOperators(ctx, alice)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
}

func TestRevokeAppliesOrphanPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy    OrphanPolicy
		remaining []string
		owned     []string
	}{
		{OrphanRetain, []string{"a1", "a2", "b1"}, []string{"a1", "a2"}},
		{OrphanDelete, []string{"b1"}, nil},
		{OrphanReassign, []string{"a1", "a2", "b1"}, nil},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := newFixture(t, limits(-1, -1), tc.policy)
			ctx := context.Background()
			for _, n := range []string{"a1", "a2"} {
				_, err := f.svc.AddClient(ctx, alice, n, nil)
				require.NoError(t, err)
			}
			_, err := f.svc.AddClient(ctx, bob, "b1", nil)
			require.NoError(t, err)

			op, _, err := f.svc.RevokeOperator(ctx, ownerID, alice)
			require.NoError(t, err)
			assert.Equal(t, models.StateRevoked, op.State)

			all := f.names(t, ownerID)
			slices.Sort(all)
			assert.Equal(t, tc.remaining, all)
			assert.Equal(t, tc.owned, f.names(t, alice), "revoked operators still list their own clients")

			_, err = f.svc.AddClient(ctx, alice, "a3", nil)
			assert.ErrorIs(t, err, apperr.ErrRevoked)

			_, err = f.svc.AuthorizeOperator(ctx, ownerID, alice, nil)
			require.NoError(t, err)
			_, err = f.svc.AddClient(ctx, alice, "a3", nil)
			assert.NoError(t, err)
		})
	}
}

func TestGatewayOutcomesAreRecorded(t *testing.T) {
	f := newFixture(t, limits(-1, -1), OrphanRetain)
	ctx := context.Background()

	f.gw.Mode = lifecycletest.FailExit
	_, err := f.svc.AddClient(ctx, alice, "x", nil)
	require.ErrorIs(t, err, apperr.ErrGatewayFailure)

	f.gw.Mode = lifecycletest.TimeoutNotApplied
	_, err = f.svc.AddClient(ctx, alice, "y", nil)
	require.ErrorIs(t, err, apperr.ErrTimedOut)

	recs := f.records(t, models.IntentAddClient)
	require.Len(t, recs, 2)
	assert.Equal(t, models.OutcomeIndeterminate, recs[0].Outcome)
	assert.Equal(t, models.OutcomeFailed, recs[1].Outcome)
	assert.Equal(t, "simulated failure", recs[1].Detail)
}

func TestBackupsThroughService(t *testing.T) {
	f := newFixture(t, limits(-1, -1), OrphanRetain)
	ctx := context.Background()
	_, err := f.svc.AddClient(ctx, alice, "a1", nil)
	require.NoError(t, err)

	_, err = f.svc.CreateBackup(ctx, alice)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized, "backup permission not granted")

	_, err = f.svc.AuthorizeOperator(ctx, ownerID, alice, &models.Permissions{ManageClients: true, Backup: true})
	require.NoError(t, err)
	a, err := f.svc.CreateBackup(ctx, alice)
	require.NoError(t, err)

	list, err := f.svc.ListBackups(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.svc.AddClient(ctx, alice, "a2", nil)
	require.NoError(t, err)
	before, err := os.ReadFile(f.wg.Path())
	require.NoError(t, err)

	err = f.svc.RestoreBackup(ctx, alice, a.Name)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)
	after, err := os.ReadFile(f.wg.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, f.svc.RestoreBackup(ctx, ownerID, a.Name))
	assert.Equal(t, []string{"a1"}, f.names(t, ownerID))

	require.NoError(t, f.svc.DeleteBackup(ctx, alice, a.Name))
	list, err = f.svc.ListBackups(ctx, ownerID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBackupsNotConfigured(t *testing.T) {
	f := newFixture(t, limits(-1, -1), OrphanRetain)
	f.svc.backups = nil
	_, err := f.svc.CreateBackup(context.Background(), ownerID)
	assert.ErrorIs(t, err, apperr.ErrBackup)
}

func TestQueryAuditScopesNonOwners(t *testing.T) {
	f := newFixture(t, limits(-1, -1), OrphanRetain)
	ctx := context.Background()
	_, err := f.svc.AddClient(ctx, alice, "a1", nil)
	require.NoError(t, err)
	_, err = f.svc.AddClient(ctx, bob, "b1", nil)
	require.NoError(t, err)

	recs, err := f.svc.QueryAudit(ctx, alice, storage.RecordFilter{OperatorID: bob})
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, alice, r.OperatorID)
	}
	assert.NotEmpty(t, recs)

	recs, err = f.svc.QueryAudit(ctx, ownerID, storage.RecordFilter{Intent: models.IntentAddClient})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestParseOrphanPolicy(t *testing.T) {
	p, err := ParseOrphanPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OrphanRetain, p)
	p, err = ParseOrphanPolicy("reassign")
	require.NoError(t, err)
	assert.Equal(t, OrphanReassign, p)
	_, err = ParseOrphanPolicy("archive")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, k.size(), "unused entries are dropped")

	// Different keys do not block each other.
	u1 := k.Lock(1)
	u2 := k.Lock(2)
	u2()
	u1()
}

func TestSuccessfulReadsAreNotRecorded(t *testing.T) {
	f := newFixture(t, auth.DefaultDefaults(), OrphanRetain)
	ctx := context.Background()

	_, err := f.svc.AddClient(ctx, alice, "a1", nil)
	require.NoError(t, err)

	for range 50 {
		_, err := f.svc.ListClients(ctx, alice)
		require.NoError(t, err)
		_, err = f.svc.ServerStatus(ctx, ownerID)
		require.NoError(t, err)
	}
	_, err = f.svc.GetClient(ctx, alice, "a1")
	require.NoError(t, err)

	all, err := f.audit.Query(ctx, storage.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.IntentAddClient, all[0].Intent)

	// A failed read is still worth a record.
	_, err = f.svc.GetClient(ctx, alice, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	recs := f.records(t, models.IntentGetClient)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeRejected, recs[0].Outcome)
}
