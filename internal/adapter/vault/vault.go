// Package vault implements the credential store port on HashiCorp
// Vault KV v2. Read misses map to domain.ErrSecretNotFound, policy
// rejections to domain.ErrSecretAccessDenied and transport failures to
// domain.ErrVaultConnection so the resolver can fall through tiers.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	vault "github.com/hashicorp/vault/api"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Config carries the connection settings for one Vault backend.
type Config struct {
	Address string
	Token   string
	// Mount is the KV v2 mount point, "secret" by default.
	Mount string
	// PathPrefix scopes all credentials under <mount>/data/<prefix>/.
	PathPrefix string
	Timeout    time.Duration
}

// Backend stores credential bundles in a KV v2 engine. All calls go
// through a circuit breaker; an open circuit fails fast with
// domain.ErrVaultConnection instead of waiting on dial timeouts.
type Backend struct {
	client  *vault.Client
	mount   string
	prefix  string
	breaker *observability.CircuitBreaker
	log     *slog.Logger
}

var _ domain.VaultBackend = (*Backend)(nil)

// New connects to Vault and verifies the server is initialized and
// unsealed, retrying with exponential backoff until ctx is done.
func New(ctx domain.Context, cfg Config, log *slog.Logger) (*Backend, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	// The api client's own 5xx retrying is disabled; failures feed the
	// breaker instead.
	vc.MaxRetries = 0

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	b := &Backend{
		client:  client,
		mount:   cfg.Mount,
		prefix:  cfg.PathPrefix,
		breaker: observability.NewCircuitBreaker("vault", 5, 30*time.Second),
		log:     log,
	}
	if b.mount == "" {
		b.mount = "secret"
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = 15 * time.Second
	op := func() error {
		health, herr := client.Sys().HealthWithContext(ctx)
		if herr != nil {
			return herr
		}
		if !health.Initialized || health.Sealed {
			return fmt.Errorf("vault not ready: initialized=%v sealed=%v", health.Initialized, health.Sealed)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVaultConnection, err)
	}

	log.Info("vault connected",
		slog.String("address", cfg.Address),
		slog.String("mount", b.mount),
		slog.String("prefix", b.prefix))
	return b, nil
}

// Get reads one credential bundle. A healthy 404 does not count as a
// breaker failure.
func (b *Backend) Get(ctx domain.Context, name string) (domain.Credential, error) {
	var (
		cred  domain.Credential
		opErr error
	)
	err := b.breaker.Call(func() error {
		secret, rerr := b.client.Logical().ReadWithContext(ctx, b.dataPath(name))
		if rerr != nil {
			mapped := mapError(rerr, name)
			if errors.Is(mapped, domain.ErrVaultConnection) {
				return mapped
			}
			opErr = mapped
			return nil
		}
		if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
			opErr = fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
			return nil
		}
		cred = decodeCredential(name, secret.Data)
		return nil
	})
	if err != nil {
		return domain.Credential{}, connectionErr(err)
	}
	if opErr != nil {
		return domain.Credential{}, opErr
	}
	return cred, nil
}

// Put writes a credential bundle, creating a new KV v2 version.
func (b *Backend) Put(ctx domain.Context, name string, cred domain.Credential) error {
	var opErr error
	err := b.breaker.Call(func() error {
		payload := map[string]interface{}{"data": encodeCredential(cred)}
		_, werr := b.client.Logical().WriteWithContext(ctx, b.dataPath(name), payload)
		if werr != nil {
			mapped := mapError(werr, name)
			if errors.Is(mapped, domain.ErrVaultConnection) {
				return mapped
			}
			opErr = mapped
		}
		return nil
	})
	if err != nil {
		return connectionErr(err)
	}
	return opErr
}

// Delete removes the credential and all of its versions.
func (b *Backend) Delete(ctx domain.Context, name string) error {
	var opErr error
	err := b.breaker.Call(func() error {
		_, derr := b.client.Logical().DeleteWithContext(ctx, b.metadataPath(name))
		if derr != nil {
			mapped := mapError(derr, name)
			if errors.Is(mapped, domain.ErrVaultConnection) {
				return mapped
			}
			opErr = mapped
		}
		return nil
	})
	if err != nil {
		return connectionErr(err)
	}
	return opErr
}

// Rotate re-issues the secret material of the first rotatable field,
// stamps RotatedAt and writes the bundle back.
func (b *Backend) Rotate(ctx domain.Context, name string) (domain.Credential, error) {
	cred, err := b.Get(ctx, name)
	if err != nil {
		return domain.Credential{}, err
	}

	field := cred.RotatableField()
	if field == "" {
		return domain.Credential{}, fmt.Errorf("%w: credential %q has no rotatable field", domain.ErrInvalidArgument, name)
	}

	material, err := randomMaterial()
	if err != nil {
		return domain.Credential{}, err
	}
	cred.Data[field] = material
	now := time.Now().UTC()
	cred.Metadata.RotatedAt = &now

	if err := b.Put(ctx, name, cred); err != nil {
		return domain.Credential{}, err
	}
	b.log.Info("credential rotated",
		slog.String("credential", name),
		slog.String("field", field))
	return cred, nil
}

// List returns the credential names stored under the configured prefix,
// optionally narrowed by an extra path segment. A missing tree lists as
// empty rather than erroring.
func (b *Backend) List(ctx domain.Context, prefix string) ([]string, error) {
	var (
		names []string
		opErr error
	)
	err := b.breaker.Call(func() error {
		secret, lerr := b.client.Logical().ListWithContext(ctx, b.listPath(prefix))
		if lerr != nil {
			mapped := mapError(lerr, prefix)
			if errors.Is(mapped, domain.ErrVaultConnection) {
				return mapped
			}
			if !errors.Is(mapped, domain.ErrSecretNotFound) {
				opErr = mapped
			}
			return nil
		}
		if secret == nil || secret.Data == nil {
			return nil
		}
		keys, _ := secret.Data["keys"].([]interface{})
		for _, k := range keys {
			if s, ok := k.(string); ok {
				names = append(names, strings.TrimSuffix(s, "/"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, connectionErr(err)
	}
	if opErr != nil {
		return nil, opErr
	}
	return names, nil
}

// IsConnected probes the health endpoint directly, bypassing the
// breaker so readiness can observe recovery while the circuit is open.
func (b *Backend) IsConnected(ctx domain.Context) bool {
	health, err := b.client.Sys().HealthWithContext(ctx)
	return err == nil && health.Initialized && !health.Sealed
}

func (b *Backend) dataPath(name string) string {
	return b.joinPath("data", name)
}

func (b *Backend) metadataPath(name string) string {
	return b.joinPath("metadata", name)
}

func (b *Backend) listPath(extra string) string {
	return b.joinPath("metadata", extra)
}

func (b *Backend) joinPath(kind, name string) string {
	parts := []string{b.mount, kind}
	if b.prefix != "" {
		parts = append(parts, b.prefix)
	}
	if name = strings.Trim(name, "/"); name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, "/")
}

// mapError classifies a Vault API failure onto the domain sentinels.
func mapError(err error, name string) error {
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", domain.ErrSecretAccessDenied, name)
		default:
			return fmt.Errorf("%w: status %d: %v", domain.ErrVaultConnection, respErr.StatusCode, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrVaultConnection, err)
}

// connectionErr normalizes breaker-open errors onto the connection
// sentinel so callers see a single failure mode.
func connectionErr(err error) error {
	if errors.Is(err, domain.ErrVaultConnection) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrVaultConnection, err)
}

func encodeCredential(cred domain.Credential) map[string]interface{} {
	kv := make(map[string]interface{}, len(cred.Data))
	for k, v := range cred.Data {
		kv[k] = v
	}
	payload := map[string]interface{}{
		"type": string(cred.Type),
		"data": kv,
	}
	if len(cred.Metadata.Tags) > 0 {
		payload["tags"] = cred.Metadata.Tags
	}
	if cred.Metadata.Owner != "" {
		payload["owner"] = cred.Metadata.Owner
	}
	if t := cred.Metadata.ExpiresAt; t != nil {
		payload["expires_at"] = t.UTC().Format(time.RFC3339)
	}
	if t := cred.Metadata.RotatedAt; t != nil {
		payload["rotated_at"] = t.UTC().Format(time.RFC3339)
	}
	return payload
}

func decodeCredential(name string, raw map[string]interface{}) domain.Credential {
	cred := domain.Credential{
		Name: name,
		Type: domain.CredCustom,
		Data: map[string]string{},
	}
	inner, _ := raw["data"].(map[string]interface{})
	if inner == nil {
		return cred
	}
	if s, ok := inner["type"].(string); ok && s != "" {
		cred.Type = domain.CredentialType(s)
	}
	if kv, ok := inner["data"].(map[string]interface{}); ok {
		for k, v := range kv {
			if s, ok := v.(string); ok {
				cred.Data[k] = s
			}
		}
	}
	if tags, ok := inner["tags"].([]interface{}); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				cred.Metadata.Tags = append(cred.Metadata.Tags, s)
			}
		}
	}
	if s, ok := inner["owner"].(string); ok {
		cred.Metadata.Owner = s
	}
	cred.Metadata.ExpiresAt = parseTime(inner["expires_at"])
	cred.Metadata.RotatedAt = parseTime(inner["rotated_at"])
	return cred
}

func parseTime(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func randomMaterial() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret material: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
