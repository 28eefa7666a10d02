package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/segmatch/internal/store"
)

func (s *Store) GetDisruption(ctx context.Context, id string) (*store.Disruption, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d := store.Disruption{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT title, description FROM disruptions WHERE id = $1", id,
	).Scan(&d.Title, &d.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("disruption %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get disruption %s: %w", id, err)
	}
	return &d, nil
}

// ListDisruptions returns records never matched or whose cache is oldest first.
func (s *Store) ListDisruptions(ctx context.Context, limit int) ([]store.Disruption, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := "SELECT id, title, description FROM disruptions ORDER BY last_matched_at ASC NULLS FIRST, id"
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list disruptions: %w", err)
	}
	defer rows.Close()

	var out []store.Disruption
	for rows.Next() {
		var d store.Disruption
		if err := rows.Scan(&d.ID, &d.Title, &d.Description); err != nil {
			return nil, fmt.Errorf("failed to scan disruption: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDisruption(ctx context.Context, d store.Disruption) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disruptions (id, title, description) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description`,
		d.ID, d.Title, d.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert disruption %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetMatchCache(ctx context.Context, id string) (*store.MatchCacheEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		entry      store.MatchCacheEntry
		confidence sql.NullFloat64
		matchType  sql.NullString
		hash       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT matched_street, match_confidence, match_type, content_hash, last_matched_at
		FROM disruptions WHERE id = $1`, id,
	).Scan(&entry.MatchedStreet, &confidence, &matchType, &hash, &entry.LastMatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read match cache for %s: %w", id, err)
	}
	if !hash.Valid {
		return nil, nil
	}

	entry.MatchConfidence = confidence.Float64
	entry.MatchType = store.MatchType(matchType.String)
	entry.ContentHash = hash.String
	return &entry, nil
}

func (s *Store) UpdateMatchCache(ctx context.Context, id string, entry store.MatchCacheEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disruptions (id, matched_street, match_confidence, match_type, content_hash, last_matched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			matched_street = EXCLUDED.matched_street,
			match_confidence = EXCLUDED.match_confidence,
			match_type = EXCLUDED.match_type,
			content_hash = EXCLUDED.content_hash,
			last_matched_at = EXCLUDED.last_matched_at`,
		id, entry.MatchedStreet, entry.MatchConfidence, string(entry.MatchType), entry.ContentHash, entry.LastMatchedAt)
	if err != nil {
		return fmt.Errorf("failed to update match cache for %s: %w", id, err)
	}
	return nil
}

// ReplaceMappings rewrites one disruption's mappings and address fields in a
// single transaction. Other disruptions are never touched.
func (s *Store) ReplaceMappings(ctx context.Context, id string, mappings []store.Mapping, out store.AddressOutput) error {
	for _, m := range mappings {
		if m.DisruptionID != id {
			return fmt.Errorf("mapping for %s passed to disruption %s", m.DisruptionID, id)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.execTimed(ctx, tx,
		"INSERT INTO disruptions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING", id); err != nil {
		return fmt.Errorf("failed to ensure disruption %s: %w", id, err)
	}
	if err := s.execTimed(ctx, tx,
		"DELETE FROM disruption_segments WHERE disruption_id = $1", id); err != nil {
		return fmt.Errorf("failed to clear mappings for %s: %w", id, err)
	}

	if len(mappings) > 0 {
		var b strings.Builder
		b.WriteString(`INSERT INTO disruption_segments
			(disruption_id, external_segment_id, segment_id, match_type, confidence, matched_street_name) VALUES `)
		args := make([]any, 0, len(mappings)*6)
		for i, m := range mappings {
			if i > 0 {
				b.WriteString(", ")
			}
			n := i * 6
			fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
			args = append(args, m.DisruptionID, m.ExternalSegmentID, m.SegmentID, string(m.MatchType), m.Confidence, m.MatchedStreetName)
		}
		if err := s.execTimed(ctx, tx, b.String(), args...); err != nil {
			return fmt.Errorf("failed to insert mappings for %s: %w", id, err)
		}
	}

	if err := s.execTimed(ctx, tx,
		"UPDATE disruptions SET address_full = $2, address_range = $3, has_match = $4 WHERE id = $1",
		id, out.AddressFull, out.AddressRange, out.HasMatch); err != nil {
		return fmt.Errorf("failed to write address for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mappings for %s: %w", id, err)
	}
	return nil
}

// GetMappings joins on the external segment id so rows stay readable after a
// refresh renumbers surrogate ids.
func (s *Store) GetMappings(ctx context.Context, id string) ([]store.MappingView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.disruption_id, COALESCE(s.id, m.segment_id), m.external_segment_id,
		       m.match_type, m.confidence, m.matched_street_name,
		       s.street_name, s.left_from, s.left_to, s.right_from, s.right_to
		FROM disruption_segments m
		LEFT JOIN street_segments s ON s.external_segment_id = m.external_segment_id
		WHERE m.disruption_id = $1
		ORDER BY m.external_segment_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get mappings for %s: %w", id, err)
	}
	defer rows.Close()

	var views []store.MappingView
	for rows.Next() {
		var (
			v         store.MappingView
			matchType string
		)
		if err := rows.Scan(
			&v.DisruptionID, &v.SegmentID, &v.ExternalSegmentID,
			&matchType, &v.Confidence, &v.MatchedStreetName,
			&nullString{&v.StreetName}, &v.LeftFrom, &v.LeftTo, &v.RightFrom, &v.RightTo,
		); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		v.MatchType = store.MatchType(matchType)
		views = append(views, v)
	}
	return views, rows.Err()
}
