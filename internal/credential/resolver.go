// Package credential resolves node secrets through an ordered chain:
// vault lookup, direct parameter, execution-context variable, process
// environment. Backend failures are non-fatal; the chain falls through.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Spec declares where one node parameter finds its secret. Zero-value
// tiers are skipped.
type Spec struct {
	// CredentialName selects a vault credential; Field picks the value
	// out of its data map.
	CredentialName string
	Field          string
	// Direct is the literal parameter value.
	Direct string
	// ContextVar names an execution-context variable.
	ContextVar string
	// EnvVar names a process environment variable.
	EnvVar string
	// Required makes an empty resolution an error instead of "".
	Required bool
}

// VariableLookup supplies the context-variable tier.
type VariableLookup func(name string) (any, bool)

// Source resolves specs during node execution.
type Source interface {
	Resolve(ctx context.Context, spec Spec) (string, error)
}

// Resolver holds the per-process pieces of the chain. Bind it to a job's
// variables with WithVariables before handing it to the engine.
type Resolver struct {
	vault  domain.VaultBackend
	getenv func(string) string
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVault plugs in a vault backend for the first tier.
func WithVault(v domain.VaultBackend) Option {
	return func(r *Resolver) { r.vault = v }
}

// WithGetenv overrides the environment lookup, for tests.
func WithGetenv(fn func(string) string) Option {
	return func(r *Resolver) { r.getenv = fn }
}

// NewResolver builds a resolver. Without WithVault the first tier is
// skipped entirely.
func NewResolver(logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{getenv: os.Getenv, logger: logger}
	if logger == nil {
		r.logger = slog.Default()
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// WithVariables binds the resolver to one execution's variables.
func (r *Resolver) WithVariables(vars VariableLookup) Source {
	return &boundResolver{r: r, vars: vars}
}

type boundResolver struct {
	r    *Resolver
	vars VariableLookup
}

// Resolve walks the chain and returns the first non-empty value. All empty
// with spec.Required set yields ErrSecretNotFound.
func (b *boundResolver) Resolve(ctx context.Context, spec Spec) (string, error) {
	if v := b.r.fromVault(ctx, spec); v != "" {
		return v, nil
	}
	if spec.Direct != "" {
		return spec.Direct, nil
	}
	if spec.ContextVar != "" && b.vars != nil {
		if raw, ok := b.vars(spec.ContextVar); ok {
			if s := stringify(raw); s != "" {
				return s, nil
			}
		}
	}
	if spec.EnvVar != "" {
		if s := b.r.getenv(spec.EnvVar); s != "" {
			return s, nil
		}
	}
	if spec.Required {
		return "", fmt.Errorf("credential %q unresolved after all tiers: %w", spec.CredentialName, domain.ErrSecretNotFound)
	}
	return "", nil
}

func (r *Resolver) fromVault(ctx context.Context, spec Spec) string {
	if spec.CredentialName == "" || r.vault == nil {
		return ""
	}
	cred, err := r.vault.Get(ctx, spec.CredentialName)
	if err != nil {
		// Non-fatal: log and fall through to the next tier.
		r.logger.Warn("vault tier failed, falling through",
			slog.String("credential_name", spec.CredentialName),
			slog.Any("error", err))
		return ""
	}
	if cred.Expired(time.Now()) {
		r.logger.Warn("vault credential expired, falling through",
			slog.String("credential_name", spec.CredentialName))
		return ""
	}
	field := spec.Field
	if field == "" {
		field = "value"
	}
	return cred.Field(field)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// SpecFromConfig reads the conventional credential keys out of a node
// config. Nodes with bespoke parameter names build their Spec by hand.
func SpecFromConfig(config map[string]any, required bool) Spec {
	str := func(key string) string {
		if v, ok := config[key].(string); ok {
			return v
		}
		return ""
	}
	return Spec{
		CredentialName: str("credential_name"),
		Field:          str("credential_field"),
		Direct:         str("credential_value"),
		ContextVar:     str("credential_var"),
		EnvVar:         str("credential_env"),
		Required:       required,
	}
}
