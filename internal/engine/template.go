package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// {{name}} placeholders in string-valued parameters substitute execution
// variables at resolve time. Unknown names stay as-is so a typo is visible
// in the output instead of silently vanishing.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// renderString expands placeholders. A string that is exactly one
// placeholder returns the raw variable value, preserving its type.
func renderString(s string, vars map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if loc := placeholderRe.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		name := placeholderRe.FindStringSubmatch(s)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return stringify(v)
		}
		return tok
	})
}

// expandValue walks strings, slices and maps applying renderString.
func expandValue(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return renderString(t, vars)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = expandValue(e, vars)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = expandValue(e, vars)
		}
		return out
	default:
		return v
	}
}

// toNumber coerces JSON-shaped values to float64. Numeric strings parse;
// everything else reports false.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Truthy exposes the loose boolean coercion to node implementations.
func Truthy(v any) bool { return toBool(v) }

// toBool follows loose JSON semantics: bools pass through, "true"/"1"
// strings and non-zero numbers are true.
func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "yes"
	default:
		f, ok := toNumber(v)
		return ok && f != 0
	}
}

// stringify renders a value for interpolation. Maps and slices marshal to
// JSON so structured values survive template embedding.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}
