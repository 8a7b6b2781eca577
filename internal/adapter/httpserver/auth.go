package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/casare-rpa/internal/config"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Argon2Params defines parameters for Argon2id secret hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashSecret creates an Argon2id hash suitable for API_SECRET_HASH. Zero
// params select the defaults.
func HashSecret(secret string, params Argon2Params) (string, error) {
	if params == (Argon2Params{}) {
		params = defaultArgon2Params
	}
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encoded, nil
}

// VerifySecret verifies a secret against its Argon2id hash.
func VerifySecret(secret, encodedHash string) bool {
	// Expected format: argon2id$iterations$memory$parallelism$salt$hash
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	// Clamp parallelism to uint8 range to avoid overflow
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	keyLen := defaultArgon2Params.KeyLen
	actualHash := argon2.IDKey([]byte(secret), salt, iters, mem, par, keyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// bearerToken extracts the Bearer credential from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// OperatorAuth guards the operator API with the shared secret. The secret
// is accepted either verbatim (API_SECRET, compared in constant time) or
// as an Argon2id hash (API_SECRET_HASH). With neither configured the
// middleware rejects everything, so a misdeployed orchestrator fails
// closed.
func OperatorAuth(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized), nil)
				return
			}
			if !operatorTokenValid(cfg, token) {
				writeError(w, r, fmt.Errorf("%w: invalid api secret", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func operatorTokenValid(cfg config.Config, token string) bool {
	if cfg.APISecretHash != "" {
		return VerifySecret(token, cfg.APISecretHash)
	}
	if cfg.APISecret != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APISecret)) == 1
	}
	return false
}

// RobotAuthenticator resolves a robot from its API key; the fleet service
// implements it.
type RobotAuthenticator interface {
	Authenticate(ctx domain.Context, apiKey string) (domain.Robot, error)
}

type robotKey struct{}

// RobotAuth guards the robot API. The authenticated robot is stored on the
// request context for RobotFrom.
func RobotAuth(auth RobotAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rb, err := auth.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			ctx := context.WithValue(r.Context(), robotKey{}, rb)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RobotFrom returns the robot that authenticated this request.
func RobotFrom(r *http.Request) (domain.Robot, bool) {
	rb, ok := r.Context().Value(robotKey{}).(domain.Robot)
	return rb, ok
}

// parseUint32 parses a decimal string into uint32; returns error on failure
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
