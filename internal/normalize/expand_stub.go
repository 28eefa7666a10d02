//go:build !libpostal

package normalize

// Variants returns Normalize(raw) alone when libpostal is not linked.
func Variants(raw string) []string {
	return []string{Normalize(raw)}
}
