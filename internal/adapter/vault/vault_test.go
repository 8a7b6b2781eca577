package vault_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/vault"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// fakeVault speaks just enough of the KV v2 HTTP API for the backend:
// health, data read/write, metadata delete and list.
type fakeVault struct {
	mu        sync.Mutex
	secrets   map[string]map[string]interface{}
	dataCalls int
	lastToken string
	failData  bool
	denied    map[string]bool
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		secrets: map[string]map[string]interface{}{},
		denied:  map[string]bool{},
	}
}

func (f *fakeVault) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"initialized": true,
			"sealed":      false,
			"standby":     false,
		})
	})
	mux.HandleFunc("/v1/secret/data/casare/", f.handleData)
	mux.HandleFunc("/v1/secret/metadata/casare/", f.handleMetadata)
	mux.HandleFunc("/v1/secret/metadata/casare", f.handleMetadata)
	return mux
}

func (f *fakeVault) handleData(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataCalls++
	f.lastToken = r.Header.Get("X-Vault-Token")
	name := strings.TrimPrefix(r.URL.Path, "/v1/secret/data/casare/")

	if f.failData {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errors": []string{"internal error"}})
		return
	}
	if f.denied[name] {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	switch r.Method {
	case http.MethodGet:
		payload, ok := f.secrets[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"data":     payload,
				"metadata": map[string]any{"version": 1},
			},
		})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]interface{} `json:"data"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"bad payload"}})
			return
		}
		f.secrets[name] = body.Data
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"version": 1}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeVault) handleMetadata(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodDelete:
		name := strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/casare/")
		delete(f.secrets, name)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet || r.Method == "LIST":
		if len(f.secrets) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
			return
		}
		keys := make([]string, 0, len(f.secrets))
		for k := range f.secrets {
			keys = append(keys, k)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeVault) stored(name string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[name]
}

func (f *fakeVault) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dataCalls
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBackend(t *testing.T, srv *httptest.Server) *vault.Backend {
	t.Helper()
	b, err := vault.New(context.Background(), vault.Config{
		Address:    srv.URL,
		Token:      "unit-token",
		Mount:      "secret",
		PathPrefix: "casare",
		Timeout:    2 * time.Second,
	}, discardLogger())
	require.NoError(t, err)
	return b
}

func TestBackend_PutGetRoundTrip(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	expires := time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)
	in := domain.Credential{
		Name: "crm_api",
		Type: domain.CredAPIKey,
		Data: map[string]string{"value": "tok-abc", "endpoint": "https://crm.example.com"},
		Metadata: domain.CredentialMetadata{
			Tags:      []string{"prod", "crm"},
			Owner:     "ops",
			ExpiresAt: &expires,
		},
	}
	require.NoError(t, b.Put(context.Background(), "crm_api", in))

	raw := fake.stored("crm_api")
	require.NotNil(t, raw)
	assert.Equal(t, "api_key", raw["type"])
	assert.Equal(t, "ops", raw["owner"])
	assert.Equal(t, "2027-01-15T00:00:00Z", raw["expires_at"])
	inner, ok := raw["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "tok-abc", inner["value"])

	out, err := b.Get(context.Background(), "crm_api")
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.Metadata.Tags, out.Metadata.Tags)
	assert.Equal(t, "ops", out.Metadata.Owner)
	require.NotNil(t, out.Metadata.ExpiresAt)
	assert.True(t, expires.Equal(*out.Metadata.ExpiresAt))

	assert.Equal(t, "unit-token", fake.lastToken)
}

func TestBackend_GetMissingMapsToSecretNotFound(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	_, err := b.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
	assert.Equal(t, domain.KindCredentialNotFound, domain.KindOf(err))
}

func TestBackend_GetDeniedMapsToAccessDenied(t *testing.T) {
	fake := newFakeVault()
	fake.denied["locked"] = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	_, err := b.Get(context.Background(), "locked")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSecretAccessDenied)
	assert.Equal(t, domain.KindPermissionDenied, domain.KindOf(err))
}

func TestBackend_ServerErrorsOpenBreaker(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	fake.mu.Lock()
	fake.failData = true
	fake.mu.Unlock()

	for i := 0; i < 5; i++ {
		_, err := b.Get(context.Background(), "db_prod")
		require.Error(t, err, "call %d", i)
		assert.ErrorIs(t, err, domain.ErrVaultConnection)
	}
	hits := fake.calls()

	// Breaker is open now; the next call must not reach the server.
	_, err := b.Get(context.Background(), "db_prod")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVaultConnection)
	assert.Equal(t, hits, fake.calls())
}

func TestBackend_UnreachableServer(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	b := newBackend(t, srv)
	srv.Close()

	_, err := b.Get(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVaultConnection)
}

func TestBackend_NewFailsFastWhenDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := vault.New(ctx, vault.Config{Address: srv.URL, Token: "t"}, discardLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVaultConnection)
}

func TestBackend_DeleteRemovesAllVersions(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	cred := domain.Credential{Name: "smtp", Type: domain.CredUsernamePassword, Data: map[string]string{"username": "mailer", "password": "p"}}
	require.NoError(t, b.Put(context.Background(), "smtp", cred))
	require.NoError(t, b.Delete(context.Background(), "smtp"))

	_, err := b.Get(context.Background(), "smtp")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestBackend_ListKeys(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	names, err := b.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, b.Put(context.Background(), "db_prod", domain.Credential{Type: domain.CredUsernamePassword, Data: map[string]string{"password": "x"}}))
	require.NoError(t, b.Put(context.Background(), "smtp", domain.Credential{Type: domain.CredUsernamePassword, Data: map[string]string{"password": "y"}}))

	names, err = b.List(context.Background(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db_prod", "smtp"}, names)
}

func TestBackend_RotateRegeneratesMaterial(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	seed := domain.Credential{
		Name: "db_prod",
		Type: domain.CredUsernamePassword,
		Data: map[string]string{"username": "svc", "password": "old-pass"},
	}
	require.NoError(t, b.Put(context.Background(), "db_prod", seed))

	rotated, err := b.Rotate(context.Background(), "db_prod")
	require.NoError(t, err)
	assert.Equal(t, "svc", rotated.Data["username"])
	assert.NotEqual(t, "old-pass", rotated.Data["password"])
	assert.Len(t, rotated.Data["password"], 64)
	require.NotNil(t, rotated.Metadata.RotatedAt)

	// The new material must be persisted, not only returned.
	stored, err := b.Get(context.Background(), "db_prod")
	require.NoError(t, err)
	assert.Equal(t, rotated.Data["password"], stored.Data["password"])
	require.NotNil(t, stored.Metadata.RotatedAt)
}

func TestBackend_RotateWithoutRotatableField(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	b := newBackend(t, srv)

	cert := domain.Credential{Name: "tls", Type: domain.CredCertificate, Data: map[string]string{"pem": "-----BEGIN..."}}
	require.NoError(t, b.Put(context.Background(), "tls", cert))

	_, err := b.Rotate(context.Background(), "tls")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBackend_IsConnected(t *testing.T) {
	fake := newFakeVault()
	srv := httptest.NewServer(fake.handler())
	b := newBackend(t, srv)

	assert.True(t, b.IsConnected(context.Background()))
	srv.Close()
	assert.False(t, b.IsConnected(context.Background()))
}
