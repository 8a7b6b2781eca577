// Package redact masks secret values in logs and event payloads by key
// name. Matching is case-insensitive on key fragments.
package redact

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholder replaces every masked value.
const Placeholder = "[REDACTED]"

var defaultFragments = []string{
	"password",
	"passwd",
	"secret",
	"api_key",
	"apikey",
	"token",
	"authorization",
	"auth_header",
	"credential",
	"private_key",
	"access_key",
	"client_secret",
	"session_key",
	"cookie",
}

// Vocabulary is an immutable set of sensitive key fragments.
type Vocabulary struct {
	fragments []string
}

// Default returns the built-in vocabulary.
func Default() *Vocabulary {
	return &Vocabulary{fragments: defaultFragments}
}

// NewVocabulary extends the built-in fragments with extra ones.
func NewVocabulary(extra ...string) *Vocabulary {
	fr := make([]string, 0, len(defaultFragments)+len(extra))
	fr = append(fr, defaultFragments...)
	for _, e := range extra {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			fr = append(fr, e)
		}
	}
	return &Vocabulary{fragments: fr}
}

type vocabularyYAML struct {
	Fragments []string `yaml:"fragments"`
}

// LoadVocabulary reads extra fragments from a YAML file
// (fragments: [key, ...]). An empty path returns the default vocabulary.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("read vocabulary file: %w", err)
	}
	var doc vocabularyYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse vocabulary file: %w", err)
	}
	return NewVocabulary(doc.Fragments...), nil
}

// Sensitive reports whether the key matches any fragment.
func (v *Vocabulary) Sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, f := range v.fragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// MaskString returns val unchanged unless key is sensitive.
func (v *Vocabulary) MaskString(key, val string) string {
	if v.Sensitive(key) {
		return Placeholder
	}
	return val
}

// MaskMap returns a deep copy of m with sensitive values replaced. Nested
// maps are walked; slices of maps too.
func (v *Vocabulary) MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if v.Sensitive(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v.maskValue(val)
	}
	return out
}

func (v *Vocabulary) maskValue(val any) any {
	switch t := val.(type) {
	case map[string]any:
		return v.MaskMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = v.maskValue(e)
		}
		return out
	default:
		return val
	}
}
