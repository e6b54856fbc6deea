package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/wirebot/internal/auth"
	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/internal/crypto"
	"github.com/org/wirebot/pkg/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func clearEnv(t *testing.T) {
	for _, k := range []string{"WIREBOT_API_SECRET", "WIREBOT_OPERATOR_ID", "WIREBOT_TOKEN", "WIREBOT_ADDR", "WIREBOT_CACERT"} {
		t.Setenv(k, "")
	}
}

func TestBearerTokenSignsWithSecret(t *testing.T) {
	clearEnv(t)
	tok, err := bearerToken(CLIConfig{OperatorID: 42, Secret: testSecret})
	require.NoError(t, err)

	tokens, err := auth.NewTokenService([]byte(testSecret))
	require.NoError(t, err)
	id, _, err := tokens.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestBearerTokenSources(t *testing.T) {
	clearEnv(t)
	_, err := bearerToken(CLIConfig{})
	assert.Error(t, err, "no credentials")

	_, err = bearerToken(CLIConfig{Secret: testSecret})
	assert.Error(t, err, "secret without operator id")

	tok, err := bearerToken(CLIConfig{Token: "pre-issued"})
	require.NoError(t, err)
	assert.Equal(t, "pre-issued", tok)

	t.Setenv("WIREBOT_TOKEN", "from-env")
	tok, err = bearerToken(CLIConfig{Token: "pre-issued"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok)

	t.Setenv("WIREBOT_API_SECRET", testSecret)
	t.Setenv("WIREBOT_OPERATOR_ID", "7")
	tok, err = bearerToken(CLIConfig{})
	require.NoError(t, err)
	tokens, _ := auth.NewTokenService([]byte(testSecret))
	id, _, err := tokens.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestClientCall(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v1/clients":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"clients":[{"name":"phone","allowed_ips":["10.7.0.2/32"]}]}`))
		case "/v1/clients/busy":
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"errors":["rate limit exceeded: retry in 12s"]}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := &Client{addr: srv.URL, token: "tok", http: srv.Client()}

	var out struct {
		Clients []models.Client `json:"clients"`
	}
	require.NoError(t, c.call("GET", "/v1/clients", nil, &out))
	assert.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, out.Clients, 1)
	assert.Equal(t, "phone", out.Clients[0].Name)

	err := c.call("DELETE", "/v1/clients/busy", nil, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "12", apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 12s")

	err = c.call("GET", "/v1/other", nil, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Gateway", apiErr.Error())
}

func TestReadConfirm(t *testing.T) {
	for in, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		var out bytes.Buffer
		ok, err := readConfirm(strings.NewReader(in), &out, "Proceed?")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "input %q", in)
		assert.Equal(t, "Proceed? [y/N]: ", out.String())
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })

	outputFormat = "table"
	printOperators([]*models.Operator{
		{ID: 1, Role: models.RoleOwner, State: models.StateAuthorized, Limits: models.Limits{RateWindow: time.Minute}},
		{ID: 42, Role: models.RoleAuthorized, State: models.StateAuthorized,
			Limits:      models.Limits{MaxClients: 5, RateLimit: 10, RateWindow: time.Minute},
			Permissions: models.Permissions{ManageClients: true}},
	})
	table := buf.String()
	assert.Contains(t, table, "unlimited")
	assert.Contains(t, table, "10/1m0s")
	assert.Contains(t, table, "clients")

	buf.Reset()
	outputFormat = "json"
	printClients([]models.Client{{Name: "phone"}})
	assert.Contains(t, buf.String(), `"name": "phone"`)
	outputFormat = "table"
}

func TestDecryptArchive(t *testing.T) {
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })

	const passphrase = "mirror passphrase of some length"
	t.Setenv("WIREBOT_BACKUP_KEY", passphrase)
	name := backup.Name(time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC))
	kek, err := crypto.DeriveKEK([]byte(passphrase), crypto.MirrorContext)
	require.NoError(t, err)
	sealed, err := crypto.Seal([]byte("archive-bytes"), kek, name)
	require.NoError(t, err)

	dir := t.TempDir()
	in := filepath.Join(dir, name+backup.SealedSuffix)
	require.NoError(t, os.WriteFile(in, sealed, 0o600))

	require.NoError(t, decryptArchive(in, ""))
	got, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(got))

	renamed := filepath.Join(dir, backup.Name(time.Date(2026, 10, 20, 8, 30, 0, 0, time.UTC))+backup.SealedSuffix)
	require.NoError(t, os.WriteFile(renamed, sealed, 0o600))
	assert.ErrorIs(t, decryptArchive(renamed, ""), crypto.ErrSealed, "name is bound to the ciphertext")

	assert.Error(t, decryptArchive(filepath.Join(dir, "notes.txt.enc"), ""))
}
