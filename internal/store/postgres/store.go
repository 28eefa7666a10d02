// Package postgres implements store.Store on PostgreSQL through lib/pq,
// bucketing segments by geohash columns only.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/segmatch/internal/db"
	"github.com/segmatch/internal/geohash"
	"github.com/segmatch/internal/store"
)

//go:embed schema.sql
var Schema string

// SegmentColumns lists street_segments columns in the order SegmentDest scans them.
const SegmentColumns = `id, external_segment_id, street_name, street_name_normalized,
	feature_code, feature_description, left_from, left_to, right_from, right_to,
	center_lat, center_lon, geohash_fine, geohash_coarse`

// insertColumns omits id, which the sequence assigns.
const insertColumns = `external_segment_id, street_name, street_name_normalized,
	feature_code, feature_description, left_from, left_to, right_from, right_to,
	center_lat, center_lon, geohash_fine, geohash_coarse`

const insertColumnCount = 13

func init() {
	store.Register("postgres", func(ctx context.Context, cfg store.Config, logger *zap.Logger) (store.Store, error) {
		conn, err := db.NewConnection(ctx, cfg.DSN, db.Options{MaxOpenConns: cfg.MaxOpenConns})
		if err != nil {
			return nil, err
		}
		return NewStore(conn, cfg, logger), nil
	})
}

// Store implements store.Store over database/sql.
type Store struct {
	db        *sql.DB
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewStore wraps an open connection pool.
func NewStore(conn *sql.DB, cfg store.Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = 500
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	return &Store{db: conn, batchSize: cfg.InsertBatchSize, timeout: cfg.QueryTimeout, logger: logger}
}

func (s *Store) Backend() string { return "postgres" }

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Timeout is the per-statement deadline.
func (s *Store) Timeout() time.Duration { return s.timeout }

// EnsureSchema applies the embedded schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SegmentDest returns scan destinations matching SegmentColumns.
func SegmentDest(seg *store.StreetSegment) []any {
	return []any{
		&seg.ID, &seg.ExternalSegmentID, &seg.StreetName, &seg.StreetNameNormalized,
		&nullString{&seg.FeatureCode}, &nullString{&seg.FeatureDescription},
		&seg.LeftFrom, &seg.LeftTo, &seg.RightFrom, &seg.RightTo,
		&seg.CenterLat, &seg.CenterLon, &seg.GeohashFine, &seg.GeohashCoarse,
	}
}

// nullString scans a nullable text column into a plain string.
type nullString struct{ dst *string }

func (n *nullString) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*n.dst = ns.String
	return nil
}

func emptyAsNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SegmentArgs returns insert arguments matching insertColumns.
func SegmentArgs(seg *store.StreetSegment) []any {
	return []any{
		seg.ExternalSegmentID, seg.StreetName, seg.StreetNameNormalized,
		emptyAsNull(seg.FeatureCode), emptyAsNull(seg.FeatureDescription),
		seg.LeftFrom, seg.LeftTo, seg.RightFrom, seg.RightTo,
		seg.CenterLat, seg.CenterLon, seg.GeohashFine, seg.GeohashCoarse,
	}
}

func buildInsert(rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO street_segments (")
	b.WriteString(insertColumns)
	b.WriteString(") VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < insertColumnCount; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", r*insertColumnCount+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// ReplaceSegments deletes the corpus and inserts segs in multi-row batches
// inside one transaction. DELETE is used instead of TRUNCATE so concurrent
// readers keep their snapshot until commit.
func (s *Store) ReplaceSegments(ctx context.Context, segs []store.StreetSegment, fetchedAt time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.execTimed(ctx, tx, "DELETE FROM street_segments"); err != nil {
		return 0, fmt.Errorf("failed to clear street_segments: %w", err)
	}

	inserted := 0
	for start := 0; start < len(segs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(segs) {
			end = len(segs)
		}
		batch := segs[start:end]

		args := make([]any, 0, len(batch)*insertColumnCount)
		for i := range batch {
			args = append(args, SegmentArgs(&batch[i])...)
		}
		if err := s.execTimed(ctx, tx, buildInsert(len(batch)), args...); err != nil {
			return 0, fmt.Errorf("failed to insert segments %d-%d: %w", start, end, err)
		}
		inserted += len(batch)

		s.logger.Debug("segment batch inserted", zap.Int("inserted", inserted), zap.Int("total", len(segs)))
	}

	if err := s.execTimed(ctx, tx,
		"INSERT INTO segment_refresh (fetched_at, segment_count) VALUES ($1, $2)",
		fetchedAt.UTC(), inserted); err != nil {
		return 0, fmt.Errorf("failed to record refresh: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit corpus: %w", err)
	}
	return inserted, nil
}

func (s *Store) execTimed(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) LastRefresh(ctx context.Context) (*store.RefreshMetadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var meta store.RefreshMetadata
	err := s.db.QueryRowContext(ctx,
		"SELECT fetched_at, segment_count FROM segment_refresh ORDER BY fetched_at DESC, id DESC LIMIT 1",
	).Scan(&meta.FetchedAt, &meta.SegmentCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh metadata: %w", err)
	}
	return &meta, nil
}

// DistinctNormalizedNames returns names in byte order so they agree with Go
// string comparison regardless of the database collation.
func (s *Store) DistinctNormalizedNames(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT street_name_normalized FROM street_segments ORDER BY street_name_normalized COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list street names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan street name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) querySegments(ctx context.Context, query string, args ...any) ([]store.StreetSegment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []store.StreetSegment
	for rows.Next() {
		var seg store.StreetSegment
		if err := rows.Scan(SegmentDest(&seg)...); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

func (s *Store) GetSegmentsByStreet(ctx context.Context, normalized string) ([]store.StreetSegment, error) {
	segs, err := s.querySegments(ctx,
		"SELECT "+SegmentColumns+" FROM street_segments WHERE street_name_normalized = $1 ORDER BY id",
		normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get segments for %q: %w", normalized, err)
	}
	return segs, nil
}

// SegmentsNear returns segments whose coarse geohash equals that of the point.
func (s *Store) SegmentsNear(ctx context.Context, lat, lon float64) ([]store.StreetSegment, error) {
	_, coarse, err := geohash.Pair(lat, lon)
	if err != nil {
		return nil, err
	}
	segs, err := s.querySegments(ctx,
		"SELECT "+SegmentColumns+" FROM street_segments WHERE geohash_coarse = $1 ORDER BY id",
		coarse)
	if err != nil {
		return nil, fmt.Errorf("failed to get segments near (%f, %f): %w", lat, lon, err)
	}
	return segs, nil
}

func (s *Store) CountSegments(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM street_segments").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count segments: %w", err)
	}
	return n, nil
}
