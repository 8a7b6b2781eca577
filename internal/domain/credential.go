package domain

import "time"

type CredentialType string

const (
	CredUsernamePassword CredentialType = "username_password"
	CredAPIKey           CredentialType = "api_key"
	CredOAuthToken       CredentialType = "oauth_token"
	CredServiceAccount   CredentialType = "service_account"
	CredCertificate      CredentialType = "certificate"
	CredCustom           CredentialType = "custom"
)

// Credential is a named secret bundle. Data values never reach workflow
// JSON or logs; the redact handler masks them if they leak into attrs.
type Credential struct {
	Name     string
	Type     CredentialType
	Data     map[string]string
	Metadata CredentialMetadata
}

type CredentialMetadata struct {
	Tags      []string
	Owner     string
	ExpiresAt *time.Time
	RotatedAt *time.Time
}

// Field returns one value of the bundle; empty string when absent.
func (c Credential) Field(name string) string {
	if c.Data == nil {
		return ""
	}
	return c.Data[name]
}

// Expired reports whether the credential has passed its expiry.
func (c Credential) Expired(now time.Time) bool {
	return c.Metadata.ExpiresAt != nil && now.After(*c.Metadata.ExpiresAt)
}

// RotatableField returns the first data key holding re-issuable secret
// material, or "" when the bundle has none.
func (c Credential) RotatableField() string {
	for _, f := range []string{"password", "api_key", "token", "secret", "value"} {
		if _, ok := c.Data[f]; ok {
			return f
		}
	}
	return ""
}

// VaultBackend is the pluggable secret store port. Get returns
// ErrSecretNotFound on miss, ErrVaultConnection when the backend is
// unreachable and ErrSecretAccessDenied on policy rejections.
type VaultBackend interface {
	Get(ctx Context, name string) (Credential, error)
	Put(ctx Context, name string, cred Credential) error
	Delete(ctx Context, name string) error
	// Rotate re-issues the secret material and returns the new bundle.
	Rotate(ctx Context, name string) (Credential, error)
	List(ctx Context, prefix string) ([]string, error)
	IsConnected(ctx Context) bool
}
