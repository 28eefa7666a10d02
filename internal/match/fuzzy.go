// Package match resolves street-name candidates against the normalized names
// of the segment corpus.
package match

import (
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/segmatch/internal/normalize"
	"github.com/segmatch/internal/store"
)

const (
	DefaultMaxDistance = 3
	DefaultMemoSize    = 4096
)

// Result is the outcome of matching one candidate.
type Result struct {
	Type       store.MatchType `json:"match_type"`
	Name       string          `json:"matched_name,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Matched reports whether the result resolved to a corpus name.
func (r Result) Matched() bool {
	return r.Type == store.MatchExact || r.Type == store.MatchFuzzy
}

var noMatch = Result{Type: store.MatchNone}

// NameIndex is an immutable, sorted set of normalized corpus names with a
// memo of recent fuzzy lookups.
type NameIndex struct {
	names   []string
	lengths []int
	set     map[string]struct{}
	memo    *lru.Cache[string, Result]
}

// NewNameIndex copies, sorts and deduplicates names. memoSize <= 0 disables
// the memo.
func NewNameIndex(names []string, memoSize int) *NameIndex {
	sorted := make([]string, 0, len(names))
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := set[n]; dup {
			continue
		}
		set[n] = struct{}{}
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	lengths := make([]int, len(sorted))
	for i, n := range sorted {
		lengths[i] = utf8.RuneCountInString(n)
	}

	ix := &NameIndex{names: sorted, lengths: lengths, set: set}
	if memoSize > 0 {
		// only fails for a non-positive size
		ix.memo, _ = lru.New[string, Result](memoSize)
	}
	return ix
}

func (ix *NameIndex) Len() int { return len(ix.names) }

func (ix *NameIndex) Contains(name string) bool {
	_, ok := ix.set[name]
	return ok
}

// Names returns the sorted names. The slice must not be modified.
func (ix *NameIndex) Names() []string { return ix.names }

// FuzzyMatcher finds the closest corpus name within MaxDistance edits.
type FuzzyMatcher struct {
	MaxDistance int
}

// NewFuzzyMatcher returns a matcher with the given edit-distance tolerance.
func NewFuzzyMatcher(maxDistance int) *FuzzyMatcher {
	if maxDistance < 0 {
		maxDistance = 0
	}
	return &FuzzyMatcher{MaxDistance: maxDistance}
}

// Match normalizes candidate and resolves it against ix.
//
// An exact hit on the normalized form (or any libpostal variant of it) wins
// with confidence 1. Otherwise the name with the smallest edit distance is
// chosen, ties going to the lexicographically smallest name, and accepted
// when the distance is at most MaxDistance. Fuzzy confidence is
// 1 - d/(longest+1), which stays below 1 for any d >= 1.
func (m *FuzzyMatcher) Match(candidate string, ix *NameIndex) Result {
	if ix == nil || ix.Len() == 0 {
		return noMatch
	}
	variants := normalize.Variants(candidate)
	query := variants[0]
	if query == "" {
		return noMatch
	}
	for _, v := range variants {
		if ix.Contains(v) {
			return Result{Type: store.MatchExact, Name: v, Confidence: 1}
		}
	}

	key := strconv.Itoa(m.MaxDistance) + "|" + query
	if ix.memo != nil {
		if r, ok := ix.memo.Get(key); ok {
			return r
		}
	}

	r := m.nearest(query, ix)
	if ix.memo != nil {
		ix.memo.Add(key, r)
	}
	return r
}

func (m *FuzzyMatcher) nearest(query string, ix *NameIndex) Result {
	qLen := utf8.RuneCountInString(query)
	best, bestIdx := m.MaxDistance+1, -1

	for i, name := range ix.names {
		// the length difference bounds the distance from below; names are
		// visited in sorted order so only a strictly smaller distance wins
		if diff := abs(qLen - ix.lengths[i]); diff >= best {
			continue
		}
		d := levenshtein.ComputeDistance(query, name)
		if d < best {
			best, bestIdx = d, i
			if d == 1 {
				break
			}
		}
	}

	if bestIdx < 0 {
		return noMatch
	}

	longest := qLen
	if ix.lengths[bestIdx] > longest {
		longest = ix.lengths[bestIdx]
	}
	return Result{
		Type:       store.MatchFuzzy,
		Name:       ix.names[bestIdx],
		Confidence: 1 - float64(best)/float64(longest+1),
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
