package store

import (
	"time"

	"github.com/segmatch/internal/geohash"
)

// StreetSegment is one physical segment of a street in the reference corpus.
type StreetSegment struct {
	ID                   int64    `json:"id"`
	ExternalSegmentID    string   `json:"external_segment_id"`
	StreetName           string   `json:"street_name"`
	StreetNameNormalized string   `json:"street_name_normalized"`
	FeatureCode          string   `json:"feature_code,omitempty"`
	FeatureDescription   string   `json:"feature_description,omitempty"`
	LeftFrom             *int     `json:"left_from,omitempty"`
	LeftTo               *int     `json:"left_to,omitempty"`
	RightFrom            *int     `json:"right_from,omitempty"`
	RightTo              *int     `json:"right_to,omitempty"`
	CenterLat            *float64 `json:"center_lat,omitempty"`
	CenterLon            *float64 `json:"center_lon,omitempty"`
	GeohashFine          *string  `json:"geohash_fine,omitempty"`
	GeohashCoarse        *string  `json:"geohash_coarse,omitempty"`
}

// SetCenter records the center point together with both geohash buckets.
// On an invalid coordinate all four spatial fields are cleared.
func (s *StreetSegment) SetCenter(lat, lon float64) error {
	fine, coarse, err := geohash.Pair(lat, lon)
	if err != nil {
		s.ClearCenter()
		return err
	}
	s.CenterLat, s.CenterLon = &lat, &lon
	s.GeohashFine, s.GeohashCoarse = &fine, &coarse
	return nil
}

// ClearCenter removes all spatial fields.
func (s *StreetSegment) ClearCenter() {
	s.CenterLat, s.CenterLon = nil, nil
	s.GeohashFine, s.GeohashCoarse = nil, nil
}

// HasCenter reports whether the segment carries spatial data.
func (s *StreetSegment) HasCenter() bool {
	return s.CenterLat != nil && s.CenterLon != nil
}

// Bounds returns the four civic-number bounds in a fixed order.
func (s *StreetSegment) Bounds() []*int {
	return []*int{s.LeftFrom, s.LeftTo, s.RightFrom, s.RightTo}
}

// RefreshMetadata records one successful corpus refresh.
type RefreshMetadata struct {
	FetchedAt    time.Time `json:"fetched_at"`
	SegmentCount int       `json:"segment_count"`
}

// Disruption is the part of a disruption record this subsystem reads.
type Disruption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
	MatchNone  MatchType = "none"
)

// MatchCacheEntry holds the cache columns stored on a disruption record.
type MatchCacheEntry struct {
	MatchedStreet   *string    `json:"matched_street"`
	MatchConfidence float64    `json:"match_confidence"`
	MatchType       MatchType  `json:"match_type"`
	ContentHash     string     `json:"content_hash"`
	LastMatchedAt   *time.Time `json:"last_matched_at"`
}

// MatchResult is one street matched for a disruption.
type MatchResult struct {
	DisruptionExternalID string          `json:"disruption_id"`
	StreetName           string          `json:"street_name"`
	MatchType            MatchType       `json:"match_type"`
	Confidence           float64         `json:"confidence"`
	MatchedSegments      []StreetSegment `json:"matched_segments"`
	AddressFull          *string         `json:"address_full"`
	AddressRange         *string         `json:"address_range"`
}

// Valid checks that a none result carries no segments or addresses, and that
// confidence is in range for its type.
func (r MatchResult) Valid() bool {
	switch r.MatchType {
	case MatchNone:
		return len(r.MatchedSegments) == 0 && r.AddressFull == nil && r.AddressRange == nil && r.Confidence == 0
	case MatchExact:
		return r.Confidence == 1
	case MatchFuzzy:
		return r.Confidence > 0 && r.Confidence < 1
	}
	return false
}

// Mapping associates a disruption with one matched segment.
type Mapping struct {
	DisruptionID      string    `json:"disruption_id"`
	SegmentID         int64     `json:"segment_id"`
	ExternalSegmentID string    `json:"external_segment_id"`
	MatchType         MatchType `json:"match_type"`
	Confidence        float64   `json:"confidence"`
	MatchedStreetName string    `json:"matched_street_name"`
}

// MappingView is a stored mapping joined with the segment it points at.
// Segment fields are empty when the segment left the corpus in a later refresh.
type MappingView struct {
	Mapping
	StreetName string `json:"street_name,omitempty"`
	LeftFrom   *int   `json:"left_from,omitempty"`
	LeftTo     *int   `json:"left_to,omitempty"`
	RightFrom  *int   `json:"right_from,omitempty"`
	RightTo    *int   `json:"right_to,omitempty"`
}

// AddressOutput is written onto the disruption record with its mappings.
type AddressOutput struct {
	AddressFull  *string `json:"address_full"`
	AddressRange *string `json:"address_range"`
	HasMatch     bool    `json:"has_match"`
}

// MappingsFromResults flattens results into one mapping per matched segment.
func MappingsFromResults(disruptionID string, results []MatchResult) []Mapping {
	var out []Mapping
	for _, r := range results {
		for _, seg := range r.MatchedSegments {
			out = append(out, Mapping{
				DisruptionID:      disruptionID,
				SegmentID:         seg.ID,
				ExternalSegmentID: seg.ExternalSegmentID,
				MatchType:         r.MatchType,
				Confidence:        r.Confidence,
				MatchedStreetName: r.StreetName,
			})
		}
	}
	return out
}
