package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// DefaultEnvPrefix prefixes the environment variables the EnvBackend
// reads bundles from.
const DefaultEnvPrefix = "RPA_CREDENTIAL_"

// EnvBackend resolves named credentials from process environment
// variables, for deployments without a vault. A bundle named db_prod is
// read from RPA_CREDENTIAL_DB_PROD; a JSON object value becomes the
// data map, any other value becomes the "value" field. The backend is
// read-only and cannot enumerate names.
type EnvBackend struct {
	prefix string
	getenv func(string) string
}

var _ domain.VaultBackend = (*EnvBackend)(nil)

func NewEnvBackend(prefix string, getenv func(string) string) *EnvBackend {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return &EnvBackend{prefix: prefix, getenv: getenv}
}

func (e *EnvBackend) Get(_ domain.Context, name string) (domain.Credential, error) {
	raw := e.getenv(e.key(name))
	if raw == "" {
		return domain.Credential{}, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	}
	cred := domain.Credential{Name: name, Type: domain.CredCustom, Data: map[string]string{}}
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		var data map[string]string
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			cred.Data = data
			return cred, nil
		}
	}
	cred.Data["value"] = raw
	return cred, nil
}

func (e *EnvBackend) Put(_ domain.Context, _ string, _ domain.Credential) error {
	return fmt.Errorf("%w: env backend is read-only", domain.ErrSecretAccessDenied)
}

func (e *EnvBackend) Delete(_ domain.Context, _ string) error {
	return fmt.Errorf("%w: env backend is read-only", domain.ErrSecretAccessDenied)
}

func (e *EnvBackend) Rotate(_ domain.Context, _ string) (domain.Credential, error) {
	return domain.Credential{}, fmt.Errorf("%w: env backend is read-only", domain.ErrSecretAccessDenied)
}

func (e *EnvBackend) List(domain.Context, string) ([]string, error) {
	return nil, nil
}

func (e *EnvBackend) IsConnected(domain.Context) bool { return true }

// key maps a credential name onto its environment variable, upper-cased
// with non-alphanumerics folded to underscores.
func (e *EnvBackend) key(name string) string {
	up := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return e.prefix + up
}
