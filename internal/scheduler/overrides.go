package scheduler

import (
	"sort"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// ExpandOverrides unions a workflow's base capability requirements with
// every node override's, deduped and sorted. Applied once at submission
// so the claim query matches against a single flat set.
func ExpandOverrides(base []string, overrides []domain.NodeOverride) []string {
	seen := make(map[string]struct{}, len(base))
	for _, c := range base {
		seen[c] = struct{}{}
	}
	for _, o := range overrides {
		for _, c := range o.RequiredCapabilities {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
