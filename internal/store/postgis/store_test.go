package postgis

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/segmatch/internal/store"
	"github.com/segmatch/internal/store/postgres"
)

func TestCopyColumnsMatchSegmentArgs(t *testing.T) {
	var seg store.StreetSegment
	assert.Len(t, copyColumns, len(postgres.SegmentArgs(&seg)))
}

func TestSpatialSchemaIsIdempotent(t *testing.T) {
	for _, line := range strings.Split(strings.TrimSpace(spatialSchema), "\n") {
		assert.Contains(t, line, "IF NOT EXISTS")
	}
}

func TestTimedGivesEachStatementItsOwnDeadline(t *testing.T) {
	s := &Store{Store: postgres.NewStore(nil, store.Config{QueryTimeout: 50 * time.Millisecond}, nil)}
	ctx := context.Background()

	var deadlines []time.Time
	for range 2 {
		before := time.Now()
		err := s.timed(ctx, func(ctx context.Context) error {
			dl, ok := ctx.Deadline()
			require.True(t, ok)
			assert.WithinDuration(t, before.Add(50*time.Millisecond), dl, 40*time.Millisecond)
			deadlines = append(deadlines, dl)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
	}
	assert.True(t, deadlines[1].After(deadlines[0]))

	err := s.timed(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplaceAndNearIntegration(t *testing.T) {
	dsn := os.Getenv("SEGMATCH_TEST_POSTGIS_DSN")
	if dsn == "" {
		t.Skip("SEGMATCH_TEST_POSTGIS_DSN not set")
	}
	ctx := context.Background()

	opened, err := Open(ctx, store.Config{DSN: dsn}, zap.NewNop())
	if errors.Is(err, store.ErrUnsupported) {
		t.Skip("postgis not installed on test database")
	}
	require.NoError(t, err)
	s := opened.(*Store)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	near := store.StreetSegment{ExternalSegmentID: "pg-1", StreetName: "Queen St W", StreetNameNormalized: "queen st w"}
	require.NoError(t, near.SetCenter(43.6487, -79.3962))
	far := store.StreetSegment{ExternalSegmentID: "pg-2", StreetName: "Yonge St", StreetNameNormalized: "yonge st"}
	require.NoError(t, far.SetCenter(43.7615, -79.4111))

	n, err := s.ReplaceSegments(ctx, []store.StreetSegment{near, far}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	segs, err := s.SegmentsNear(ctx, 43.6490, -79.3960)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "pg-1", segs[0].ExternalSegmentID)

	meta, err := s.LastRefresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.SegmentCount)
}
