package policy

import (
	"context"
	"testing"

	"github.com/org/wirebot/pkg/models"
)

// mockPolicyStore is a minimal in-memory Source for testing.
type mockPolicyStore struct {
	policies map[string]*models.Policy
}

func newMockStore(pols ...*models.Policy) *mockPolicyStore {
	m := &mockPolicyStore{policies: map[string]*models.Policy{}}
	for _, p := range pols {
		m.policies[p.Name] = p
	}
	return m
}

func (m *mockPolicyStore) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	if p, ok := m.policies[name]; ok {
		return p, nil
	}
	return nil, nil
}

func TestPolicyExactMatch(t *testing.T) {
	pol := &models.Policy{
		Name: "test",
		Rules: map[string]models.PathRule{
			"clients/alice": {Capabilities: []string{"read"}},
		},
	}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	if !eng.Grants(ctx, []string{"test"}, "read", "clients/alice") {
		t.Error("expected read to be allowed on exact match")
	}
	if eng.Grants(ctx, []string{"test"}, "delete", "clients/alice") {
		t.Error("expected delete to be denied")
	}
}

func TestPolicySingleWildcard(t *testing.T) {
	pol := &models.Policy{
		Name: "test",
		Rules: map[string]models.PathRule{
			"clients/*": {Capabilities: []string{"read"}},
		},
	}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	cases := []struct {
		path    string
		allowed bool
	}{
		{"clients/alice", true},
		{"clients/bob", true},
		{"clients/alice/status", false}, // * doesn't cross segments
		{"backups/alice", false},
	}
	for _, tc := range cases {
		got := eng.Grants(ctx, []string{"test"}, "read", tc.path)
		if got != tc.allowed {
			t.Errorf("path=%q: expected allowed=%v got %v", tc.path, tc.allowed, got)
		}
	}
}

func TestPolicyGlobStar(t *testing.T) {
	pol := &models.Policy{
		Name: "test",
		Rules: map[string]models.PathRule{
			"clients/**": {Capabilities: []string{"read"}},
		},
	}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	for _, p := range []string{"clients", "clients/alice", "clients/alice/status"} {
		if !eng.Grants(ctx, []string{"test"}, "read", p) {
			t.Errorf("expected read allowed on %q", p)
		}
	}
	if eng.Grants(ctx, []string{"test"}, "read", "operators/5") {
		t.Error("operators path should not be allowed")
	}
	if eng.Grants(ctx, []string{"test"}, "read", "clientsx/a") {
		t.Error("prefix must end at a segment boundary")
	}
}

func TestOwnerPolicy(t *testing.T) {
	eng := NewEngine(Builtins{})
	ctx := context.Background()

	for _, cap := range []string{"read", "write", "delete", "list", "sudo"} {
		if !eng.Grants(ctx, []string{PolicyOwner}, cap, "anything/here") {
			t.Errorf("owner policy should allow %q on any path", cap)
		}
	}
}

func TestMissingPolicyIsIgnored(t *testing.T) {
	eng := NewEngine(Builtins{})
	if eng.Grants(context.Background(), []string{"nope"}, "read", "clients") {
		t.Error("unknown policy must not grant anything")
	}
}

func TestBuiltinRoles(t *testing.T) {
	eng := NewEngine(Builtins{})
	ctx := context.Background()

	owner := &models.Operator{ID: 1, Role: models.RoleOwner, State: models.StateAuthorized}
	manager := &models.Operator{ID: 2, Role: models.RoleAuthorized, State: models.StateAuthorized,
		Permissions: models.Permissions{ManageClients: true}}
	full := &models.Operator{ID: 3, Role: models.RoleAuthorized, State: models.StateAuthorized,
		Permissions: models.AllPermissions()}
	revoked := &models.Operator{ID: 4, Role: models.RoleAuthorized, State: models.StateRevoked,
		Permissions: models.AllPermissions()}

	cases := []struct {
		name   string
		op     *models.Operator
		intent models.Intent
		target string
		want   bool
	}{
		{"owner installs", owner, models.IntentInstall, "", true},
		{"owner restores", owner, models.IntentRestoreBackup, "b.tar.gz", true},
		{"owner manages operators", owner, models.IntentRevokeUser, "5", true},

		{"manager adds", manager, models.IntentAddClient, "x", true},
		{"manager removes", manager, models.IntentRemoveClient, "x", true},
		{"manager client status", manager, models.IntentClientStatus, "x", true},
		{"manager server status", manager, models.IntentServerStatus, "", false},
		{"manager backup", manager, models.IntentCreateBackup, "", false},
		{"manager install", manager, models.IntentInstall, "", false},

		{"full server status", full, models.IntentServerStatus, "", true},
		{"full backup", full, models.IntentCreateBackup, "", true},
		{"full delete backup", full, models.IntentDeleteBackup, "b.tar.gz", true},
		{"full restore", full, models.IntentRestoreBackup, "b.tar.gz", false},
		{"full authorize", full, models.IntentAuthorizeUser, "9", false},
		{"full limits", full, models.IntentSetLimits, "9", false},

		{"revoked lists", revoked, models.IntentListClients, "", true},
		{"revoked profile", revoked, models.IntentClientProfile, "x", true},
		{"revoked adds", revoked, models.IntentAddClient, "x", false},
		{"revoked removes", revoked, models.IntentRemoveClient, "x", false},
		{"revoked status", revoked, models.IntentServerStatus, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := eng.Allows(ctx, tc.op, tc.intent, tc.target); got != tc.want {
				t.Errorf("Allows(%s, %s) = %v, want %v", tc.op.State, tc.intent, got, tc.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"*", "", true},
		{"*", "a/b/c", true},
		{"clients", "clients", true},
		{"clients", "clients/x", false},
		{"clients/*/status", "clients/x/status", true},
		{"clients/*/status", "clients/x", false},
		{"clients/*/status", "clients/x/status/y", false},
		{"backups/**", "backups", true},
		{"/backups/*", "backups/a.tar.gz/", true},
	}
	for _, tc := range cases {
		if got := match(split(tc.pattern), split(tc.path)); got != tc.want {
			t.Errorf("match(%q, %q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestPermitted(t *testing.T) {
	eng := NewEngine(Builtins{})
	ctx := context.Background()

	stranger := &models.Operator{ID: 9, Role: models.RoleAuthorized, State: models.StateUnauthorized}
	got := eng.Permitted(ctx, stranger, models.AllIntents())
	want := []models.Intent{
		models.IntentListClients, models.IntentGetClient, models.IntentClientProfile,
		models.IntentQueryAuditLog,
	}
	if len(got) != len(want) {
		t.Fatalf("Permitted = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Permitted[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	owner := &models.Operator{ID: 1, Role: models.RoleOwner, State: models.StateAuthorized}
	if n := len(eng.Permitted(ctx, owner, models.AllIntents())); n != len(models.AllIntents()) {
		t.Errorf("owner should be permitted every intent, got %d", n)
	}
}
