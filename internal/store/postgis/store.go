// Package postgis implements store.Store on PostgreSQL with the PostGIS
// extension. Corpus loads use COPY through pgx and proximity queries use a
// geography column; everything else is shared with the postgres backend.
package postgis

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/segmatch/internal/db"
	"github.com/segmatch/internal/geohash"
	"github.com/segmatch/internal/store"
	"github.com/segmatch/internal/store/postgres"
)

// NearRadiusMeters matches the coarse geohash cell half-width.
const NearRadiusMeters = 610.0

const spatialSchema = `
ALTER TABLE street_segments ADD COLUMN IF NOT EXISTS center_geom geography(Point, 4326);
CREATE INDEX IF NOT EXISTS idx_street_segments_center_geom ON street_segments USING GIST (center_geom);
`

var copyColumns = []string{
	"external_segment_id", "street_name", "street_name_normalized",
	"feature_code", "feature_description", "left_from", "left_to", "right_from", "right_to",
	"center_lat", "center_lon", "geohash_fine", "geohash_coarse",
}

func init() {
	store.Register("postgis", Open)
}

// Store overrides the corpus write and proximity paths of postgres.Store.
type Store struct {
	*postgres.Store
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects, verifies the extension and returns store.ErrUnsupported
// when it is missing.
func Open(ctx context.Context, cfg store.Config, logger *zap.Logger) (store.Store, error) {
	pool, err := db.NewPool(ctx, cfg.DSN, db.Options{MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	ok, err := db.HasExtensionPool(ctx, pool, "postgis")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if !ok {
		pool.Close()
		return nil, fmt.Errorf("%w: postgis extension not installed", store.ErrUnsupported)
	}
	return NewStore(pool, cfg, logger), nil
}

// NewStore wraps a pool already known to have PostGIS.
func NewStore(pool *pgxpool.Pool, cfg store.Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		Store:  postgres.NewStore(stdlib.OpenDBFromPool(pool), cfg, logger),
		pool:   pool,
		logger: logger,
	}
}

func (s *Store) Backend() string { return "postgis" }

func (s *Store) Close() error {
	err := s.Store.Close()
	s.pool.Close()
	return err
}

// EnsureSchema applies the base schema and the geography column.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.Store.EnsureSchema(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()
	if _, err := s.pool.Exec(ctx, spatialSchema); err != nil {
		return fmt.Errorf("failed to apply spatial schema: %w", err)
	}
	return nil
}

// ReplaceSegments copies the corpus in and derives center_geom, all in one
// transaction.
func (s *Store) ReplaceSegments(ctx context.Context, segs []store.StreetSegment, fetchedAt time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.timed(ctx, func(ctx context.Context) error {
		_, err := tx.Exec(ctx, "DELETE FROM street_segments")
		return err
	}); err != nil {
		return 0, fmt.Errorf("failed to clear street_segments: %w", err)
	}

	var n int64
	if err := s.timed(ctx, func(ctx context.Context) error {
		var err error
		n, err = tx.CopyFrom(ctx, pgx.Identifier{"street_segments"}, copyColumns,
			pgx.CopyFromSlice(len(segs), func(i int) ([]any, error) {
				return postgres.SegmentArgs(&segs[i]), nil
			}))
		return err
	}); err != nil {
		return 0, fmt.Errorf("failed to copy segments: %w", err)
	}

	if err := s.timed(ctx, func(ctx context.Context) error {
		_, err := tx.Exec(ctx, `
			UPDATE street_segments
			SET center_geom = ST_SetSRID(ST_MakePoint(center_lon, center_lat), 4326)::geography
			WHERE center_lat IS NOT NULL`)
		return err
	}); err != nil {
		return 0, fmt.Errorf("failed to derive center_geom: %w", err)
	}

	if err := s.timed(ctx, func(ctx context.Context) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO segment_refresh (fetched_at, segment_count) VALUES ($1, $2)",
			fetchedAt.UTC(), n)
		return err
	}); err != nil {
		return 0, fmt.Errorf("failed to record refresh: %w", err)
	}

	if err := s.timed(ctx, tx.Commit); err != nil {
		return 0, fmt.Errorf("failed to commit corpus: %w", err)
	}
	s.logger.Info("corpus copied", zap.Int64("segments", n))
	return int(n), nil
}

// timed runs one statement under its own QueryTimeout deadline.
func (s *Store) timed(ctx context.Context, stmt func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()
	return stmt(ctx)
}

// SegmentsNear returns segments whose center lies within NearRadiusMeters of
// the point, nearest first.
func (s *Store) SegmentsNear(ctx context.Context, lat, lon float64) ([]store.StreetSegment, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: (%f, %f)", geohash.ErrInvalidCoordinate, lat, lon)
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+postgres.SegmentColumns+`
		FROM street_segments
		WHERE ST_DWithin(center_geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
		ORDER BY ST_Distance(center_geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography)`,
		lat, lon, NearRadiusMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments near (%f, %f): %w", lat, lon, err)
	}
	defer rows.Close()

	var segs []store.StreetSegment
	for rows.Next() {
		var seg store.StreetSegment
		if err := rows.Scan(postgres.SegmentDest(&seg)...); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}
