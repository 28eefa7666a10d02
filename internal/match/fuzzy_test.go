package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmatch/internal/store"
)

var corpus = []string{"queen st w", "queen st e", "spadina ave", "king st w", "bay st", "bathurst st"}

func TestMatchExact(t *testing.T) {
	ix := NewNameIndex(corpus, 16)
	m := NewFuzzyMatcher(3)

	for _, in := range []string{"Queen Street West", "queen st w", "QUEEN ST. W."} {
		r := m.Match(in, ix)
		assert.Equal(t, store.MatchExact, r.Type, in)
		assert.Equal(t, "queen st w", r.Name)
		assert.Equal(t, 1.0, r.Confidence)
	}
}

func TestMatchExactBeatsNearNeighbours(t *testing.T) {
	// "queen st" is one edit from both neighbours but is itself present
	ix := NewNameIndex([]string{"queen st e", "queen st", "queen st w"}, 0)
	r := NewFuzzyMatcher(3).Match("Queen Street", ix)
	assert.Equal(t, Result{Type: store.MatchExact, Name: "queen st", Confidence: 1}, r)
}

func TestMatchFuzzy(t *testing.T) {
	ix := NewNameIndex(corpus, 16)
	r := NewFuzzyMatcher(3).Match("Spadena Avenue", ix)

	assert.Equal(t, store.MatchFuzzy, r.Type)
	assert.Equal(t, "spadina ave", r.Name)
	assert.Greater(t, r.Confidence, 0.0)
	assert.Less(t, r.Confidence, 1.0)
	// one edit over 11 runes
	assert.InDelta(t, 1-1.0/12.0, r.Confidence, 1e-9)
}

func TestMatchThresholdBoundary(t *testing.T) {
	ix := NewNameIndex([]string{"abcdefgh"}, 0)
	m := NewFuzzyMatcher(3)

	atTolerance := m.Match("abcdexyz", ix)
	assert.Equal(t, store.MatchFuzzy, atTolerance.Type)
	assert.Equal(t, "abcdefgh", atTolerance.Name)

	beyond := m.Match("abcdwxyz", ix)
	assert.Equal(t, Result{Type: store.MatchNone}, beyond)
}

func TestMatchTieBreakLexicographic(t *testing.T) {
	// "bay rd" is one substitution from both
	ix := NewNameIndex([]string{"bay rx", "bay ra"}, 0)
	r := NewFuzzyMatcher(2).Match("bay rd", ix)
	assert.Equal(t, store.MatchFuzzy, r.Type)
	assert.Equal(t, "bay ra", r.Name)
}

func TestMatchNoneAndEmpty(t *testing.T) {
	m := NewFuzzyMatcher(3)
	assert.Equal(t, store.MatchNone, m.Match("Completely Different Boulevard", NewNameIndex(corpus, 0)).Type)
	assert.Equal(t, store.MatchNone, m.Match("   ", NewNameIndex(corpus, 0)).Type)
	assert.Equal(t, store.MatchNone, m.Match("Queen Street West", NewNameIndex(nil, 0)).Type)
	assert.Equal(t, store.MatchNone, m.Match("Queen Street West", nil).Type)
}

func TestMatchMemoIsKeyedByTolerance(t *testing.T) {
	ix := NewNameIndex([]string{"abcdefgh"}, 8)

	strict := NewFuzzyMatcher(1).Match("abcdexyz", ix)
	loose := NewFuzzyMatcher(3).Match("abcdexyz", ix)
	assert.Equal(t, store.MatchNone, strict.Type)
	assert.Equal(t, store.MatchFuzzy, loose.Type)

	again := NewFuzzyMatcher(1).Match("abcdexyz", ix)
	assert.Equal(t, strict, again)
}

func TestNameIndexDedupesAndSorts(t *testing.T) {
	ix := NewNameIndex([]string{"b", "a", "b", "", "c"}, 0)
	assert.Equal(t, []string{"a", "b", "c"}, ix.Names())
	assert.True(t, ix.Contains("a"))
	assert.False(t, ix.Contains(""))
}

type countingSource struct {
	names []string
	calls int
	err   error
}

func (c *countingSource) DistinctNormalizedNames(ctx context.Context) ([]string, error) {
	c.calls++
	return c.names, c.err
}

func TestNameCacheLoadAndClear(t *testing.T) {
	src := &countingSource{names: []string{"queen st w"}}
	cache := NewNameCache(src, 0)
	ctx := context.Background()

	ix, err := cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())

	_, err = cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	src.names = []string{"queen st w", "king st w"}
	cache.Clear()
	ix, err = cache.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Len())
	assert.Equal(t, 2, src.calls)
}

func TestNameCacheLoadError(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	cache := NewNameCache(src, 0)

	_, err := cache.Load(context.Background())
	assert.Error(t, err)

	src.err = nil
	src.names = []string{"bay st"}
	ix, err := cache.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ix.Contains("bay st"))
}

func TestStaticNames(t *testing.T) {
	ix, err := NewNameCache(StaticNames{"bay st"}, 0).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ix.Contains("bay st"))
}
