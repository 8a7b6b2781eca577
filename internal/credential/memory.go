package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// MemoryBackend keeps credential bundles in process memory. It backs
// local development and tests; production deployments configure the
// vault adapter instead.
type MemoryBackend struct {
	mu    sync.RWMutex
	creds map[string]domain.Credential
}

var _ domain.VaultBackend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{creds: map[string]domain.Credential{}}
}

// Seed stores bundles and returns the backend, for test setup.
func (m *MemoryBackend) Seed(creds ...domain.Credential) *MemoryBackend {
	for _, c := range creds {
		_ = m.Put(context.Background(), c.Name, c)
	}
	return m
}

func (m *MemoryBackend) Get(_ domain.Context, name string) (domain.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[name]
	if !ok {
		return domain.Credential{}, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	}
	return cloneCredential(cred), nil
}

func (m *MemoryBackend) Put(_ domain.Context, name string, cred domain.Credential) error {
	cp := cloneCredential(cred)
	cp.Name = name
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[name] = cp
	return nil
}

func (m *MemoryBackend) Delete(_ domain.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, name)
	return nil
}

// Rotate re-issues the material of the first rotatable field and stamps
// RotatedAt, mirroring the vault adapter.
func (m *MemoryBackend) Rotate(_ domain.Context, name string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[name]
	if !ok {
		return domain.Credential{}, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
	}
	field := cred.RotatableField()
	if field == "" {
		return domain.Credential{}, fmt.Errorf("%w: credential %q has no rotatable field", domain.ErrInvalidArgument, name)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.Credential{}, fmt.Errorf("generate secret material: %w", err)
	}
	cp := cloneCredential(cred)
	cp.Data[field] = hex.EncodeToString(buf)
	now := time.Now().UTC()
	cp.Metadata.RotatedAt = &now
	m.creds[name] = cp
	return cloneCredential(cp), nil
}

func (m *MemoryBackend) List(_ domain.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.creds))
	for name := range m.creds {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryBackend) IsConnected(domain.Context) bool { return true }

// cloneCredential deep-copies a bundle so callers cannot mutate stored
// state through the returned maps.
func cloneCredential(c domain.Credential) domain.Credential {
	cp := c
	if c.Data != nil {
		cp.Data = make(map[string]string, len(c.Data))
		for k, v := range c.Data {
			cp.Data[k] = v
		}
	}
	if c.Metadata.Tags != nil {
		cp.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
	}
	if c.Metadata.ExpiresAt != nil {
		t := *c.Metadata.ExpiresAt
		cp.Metadata.ExpiresAt = &t
	}
	if c.Metadata.RotatedAt != nil {
		t := *c.Metadata.RotatedAt
		cp.Metadata.RotatedAt = &t
	}
	return cp
}
