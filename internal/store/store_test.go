package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/segmatch/internal/geohash"
)

type namedStore struct {
	Store
	name string
}

func (n namedStore) Backend() string { return n.name }

func init() {
	Register("test-plain", func(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
		return namedStore{name: "test-plain"}, nil
	})
	Register("test-unsupported", func(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
		return nil, ErrUnsupported
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpenRegisteredBackend(t *testing.T) {
	s, err := Open(context.Background(), Config{Backend: "test-plain"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "test-plain", s.Backend())
}

func TestOpenPropagatesUnsupported(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "test-unsupported"}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRegisterTwicePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register("test-plain", nil)
	})
}

func TestSetCenterKeepsSpatialFieldsTogether(t *testing.T) {
	var seg StreetSegment
	require.NoError(t, seg.SetCenter(43.6453, -79.3958))
	require.True(t, seg.HasCenter())
	require.NotNil(t, seg.GeohashFine)
	require.NotNil(t, seg.GeohashCoarse)

	fine, err := geohash.Encode(43.6453, -79.3958, geohash.FinePrecision)
	require.NoError(t, err)
	assert.Equal(t, fine, *seg.GeohashFine)
	assert.Equal(t, fine[:geohash.CoarsePrecision], *seg.GeohashCoarse)

	err = seg.SetCenter(200, 0)
	assert.ErrorIs(t, err, geohash.ErrInvalidCoordinate)
	assert.False(t, seg.HasCenter())
	assert.Nil(t, seg.GeohashFine)
	assert.Nil(t, seg.GeohashCoarse)
}

func TestMatchResultValid(t *testing.T) {
	full := "100-200 Queen St W"
	tests := []struct {
		name   string
		result MatchResult
		want   bool
	}{
		{"exact", MatchResult{MatchType: MatchExact, Confidence: 1}, true},
		{"exact below max", MatchResult{MatchType: MatchExact, Confidence: 0.9}, false},
		{"fuzzy", MatchResult{MatchType: MatchFuzzy, Confidence: 0.75}, true},
		{"fuzzy at max", MatchResult{MatchType: MatchFuzzy, Confidence: 1}, false},
		{"none", MatchResult{MatchType: MatchNone}, true},
		{"none with address", MatchResult{MatchType: MatchNone, AddressFull: &full}, false},
		{"none with segments", MatchResult{MatchType: MatchNone, MatchedSegments: []StreetSegment{{ID: 1}}}, false},
		{"unknown type", MatchResult{MatchType: "partial"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Valid())
		})
	}
}

func TestMappingsFromResults(t *testing.T) {
	results := []MatchResult{
		{
			StreetName: "queen st w", MatchType: MatchExact, Confidence: 1,
			MatchedSegments: []StreetSegment{
				{ID: 1, ExternalSegmentID: "a"},
				{ID: 2, ExternalSegmentID: "b"},
			},
		},
		{
			StreetName: "spadina ave", MatchType: MatchFuzzy, Confidence: 0.8,
			MatchedSegments: []StreetSegment{{ID: 9, ExternalSegmentID: "z"}},
		},
	}

	got := MappingsFromResults("d-1", results)
	require.Len(t, got, 3)
	assert.Equal(t, Mapping{
		DisruptionID: "d-1", SegmentID: 9, ExternalSegmentID: "z",
		MatchType: MatchFuzzy, Confidence: 0.8, MatchedStreetName: "spadina ave",
	}, got[2])
	assert.Empty(t, MappingsFromResults("d-1", nil))
}
