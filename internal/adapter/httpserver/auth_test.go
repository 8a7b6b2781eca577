package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/casare-rpa/internal/adapter/httpserver"
	"github.com/fairyhunter13/casare-rpa/internal/config"
	"github.com/fairyhunter13/casare-rpa/internal/usecase"
)

// Small parameters keep the Argon2 tests fast; production values come
// from the defaults.
var testArgon2 = httpserver.Argon2Params{
	Memory:      8 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func authGet(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOperatorAuthPlainSecret(t *testing.T) {
	t.Parallel()
	h := httpserver.OperatorAuth(config.Config{APISecret: "op-secret"})(okHandler())

	assert.Equal(t, http.StatusOK, authGet(t, h, "op-secret").Code)
	assert.Equal(t, http.StatusUnauthorized, authGet(t, h, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, authGet(t, h, "").Code)
}

func TestOperatorAuthHashedSecret(t *testing.T) {
	t.Parallel()
	hash, err := httpserver.HashSecret("op-secret", testArgon2)
	require.NoError(t, err)
	// The hash takes precedence; the plaintext setting is ignored.
	h := httpserver.OperatorAuth(config.Config{APISecret: "decoy", APISecretHash: hash})(okHandler())

	assert.Equal(t, http.StatusOK, authGet(t, h, "op-secret").Code)
	assert.Equal(t, http.StatusUnauthorized, authGet(t, h, "decoy").Code)
}

func TestOperatorAuthFailsClosedWithoutSecret(t *testing.T) {
	t.Parallel()
	h := httpserver.OperatorAuth(config.Config{})(okHandler())
	assert.Equal(t, http.StatusUnauthorized, authGet(t, h, "anything").Code)
}

func TestOperatorAuthLowercaseScheme(t *testing.T) {
	t.Parallel()
	h := httpserver.OperatorAuth(config.Config{APISecret: "op-secret"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "bearer op-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifySecret(t *testing.T) {
	t.Parallel()
	hash, err := httpserver.HashSecret("s3cret", testArgon2)
	require.NoError(t, err)

	assert.True(t, httpserver.VerifySecret("s3cret", hash))
	assert.False(t, httpserver.VerifySecret("other", hash))
	assert.False(t, httpserver.VerifySecret("s3cret", "argon2id$bogus"))
	assert.False(t, httpserver.VerifySecret("s3cret", ""))
}

func TestRobotAuthInjectsRobot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	robot, key, err := env.fleet.Register(context.Background(), usecase.RegisterRobotInput{Name: "echo-bot"})
	require.NoError(t, err)

	var gotID string
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rb, ok := httpserver.RobotFrom(r)
		require.True(t, ok)
		gotID = rb.ID
		w.WriteHeader(http.StatusOK)
	})
	h := httpserver.RobotAuth(env.fleet)(echo)

	assert.Equal(t, http.StatusOK, authGet(t, h, key).Code)
	assert.Equal(t, robot.ID, gotID)

	assert.Equal(t, http.StatusUnauthorized, authGet(t, h, "rk_bogus").Code)
	assert.Equal(t, http.StatusUnauthorized, authGet(t, h, "").Code)
}
