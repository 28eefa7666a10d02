//go:build libpostal

package normalize

import (
	"github.com/openvenues/gopostal/expand"
)

// Variants returns the libpostal expansions of raw, normalized and
// deduplicated, with Normalize(raw) first.
func Variants(raw string) []string {
	opts := expand.GetDefaultExpansionOptions()
	opts.Languages = []string{"en", "fr"}

	base := Normalize(raw)
	out := []string{base}
	seen := map[string]bool{base: true}
	for _, e := range expand.ExpandAddressOptions(raw, opts) {
		n := Normalize(e)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
