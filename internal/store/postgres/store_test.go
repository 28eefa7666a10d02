package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/segmatch/internal/db"
	"github.com/segmatch/internal/store"
)

func TestBuildInsert(t *testing.T) {
	q := buildInsert(2)
	assert.True(t, strings.HasPrefix(q, "INSERT INTO street_segments ("))
	assert.Contains(t, q, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)")
	assert.Contains(t, q, "($14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)")
	assert.Equal(t, insertColumnCount, len(strings.Split(insertColumns, ",")))
}

func TestSegmentArgsMatchColumns(t *testing.T) {
	var seg store.StreetSegment
	assert.Len(t, SegmentArgs(&seg), insertColumnCount)
	assert.Len(t, SegmentDest(&seg), len(strings.Split(SegmentColumns, ",")))
}

func TestSchemaIsIdempotent(t *testing.T) {
	for _, stmt := range []string{"CREATE TABLE", "CREATE INDEX"} {
		for _, line := range strings.Split(Schema, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), stmt) {
				assert.Contains(t, line, "IF NOT EXISTS", line)
			}
		}
	}
}

// openTestStore connects to SEGMATCH_TEST_DSN; tests are skipped without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SEGMATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("SEGMATCH_TEST_DSN not set")
	}
	ctx := context.Background()
	conn, err := db.NewConnection(ctx, dsn, db.Options{})
	require.NoError(t, err)
	s := NewStore(conn, store.Config{InsertBatchSize: 2}, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestReplaceSegmentsIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lf, lt := 100, 200
	segs := []store.StreetSegment{
		{ExternalSegmentID: "it-1", StreetName: "Queen St W", StreetNameNormalized: "queen st w", LeftFrom: &lf, LeftTo: &lt},
		{ExternalSegmentID: "it-2", StreetName: "Queen St W", StreetNameNormalized: "queen st w"},
		{ExternalSegmentID: "it-3", StreetName: "Spadina Ave", StreetNameNormalized: "spadina ave"},
	}
	require.NoError(t, segs[0].SetCenter(43.6487, -79.3962))

	n, err := s.ReplaceSegments(ctx, segs, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.GetSegmentsByStreet(ctx, "queen st w")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100, *got[0].LeftFrom)
	assert.True(t, got[0].HasCenter())
	assert.False(t, got[1].HasCenter())

	names, err := s.DistinctNormalizedNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"queen st w", "spadina ave"}, names)

	near, err := s.SegmentsNear(ctx, 43.6487, -79.3962)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "it-1", near[0].ExternalSegmentID)

	full := "100-200 Queen St W"
	require.NoError(t, s.ReplaceMappings(ctx, "it-d", []store.Mapping{
		{DisruptionID: "it-d", SegmentID: got[0].ID, ExternalSegmentID: "it-1", MatchType: store.MatchExact, Confidence: 1, MatchedStreetName: "queen st w"},
	}, store.AddressOutput{AddressFull: &full, HasMatch: true}))

	views, err := s.GetMappings(ctx, "it-d")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Queen St W", views[0].StreetName)
}
