// Package bolt implements store.Store on an embedded bbolt file. Every
// corpus refresh rebuilds the segment buckets inside one write transaction,
// so readers in View transactions always see a complete generation.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/segmatch/internal/geohash"
	"github.com/segmatch/internal/store"
)

// Bucket keys
var (
	bucketSegments    = []byte("segments")
	bucketStreetIndex = []byte("street_index")
	bucketGeoIndex    = []byte("geo_index")
	bucketExtIndex    = []byte("ext_index")
	bucketRefreshes   = []byte("refreshes")
	bucketDisruptions = []byte("disruptions")
	bucketMappings    = []byte("mappings")
)

var corpusBuckets = [][]byte{bucketSegments, bucketStreetIndex, bucketGeoIndex, bucketExtIndex}

const sep = 0x00

func init() {
	store.Register("bolt", func(ctx context.Context, cfg store.Config, logger *zap.Logger) (store.Store, error) {
		return NewStore(cfg.BoltPath, logger)
	})
}

// Store implements store.Store backed by bbolt.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// disruptionRecord is the stored form of a disruption with its match state.
type disruptionRecord struct {
	store.Disruption
	Cache  *store.MatchCacheEntry `json:"cache,omitempty"`
	Output store.AddressOutput    `json:"output"`
}

// NewStore opens (or creates) a bbolt database at the given path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Backend() string { return "bolt" }

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

// EnsureSchema creates all buckets.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		all := [][]byte{bucketRefreshes, bucketDisruptions, bucketMappings}
		for _, name := range append(all, corpusBuckets...) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func compositeKey(prefix string, suffix []byte) []byte {
	k := make([]byte, 0, len(prefix)+1+len(suffix))
	k = append(k, prefix...)
	k = append(k, sep)
	return append(k, suffix...)
}

// ReplaceSegments drops and rebuilds the corpus buckets in one transaction.
func (s *Store) ReplaceSegments(ctx context.Context, segs []store.StreetSegment, fetchedAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range corpusBuckets {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("clear bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		segB := tx.Bucket(bucketSegments)
		streetB := tx.Bucket(bucketStreetIndex)
		geoB := tx.Bucket(bucketGeoIndex)
		extB := tx.Bucket(bucketExtIndex)

		for i := range segs {
			if i%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			seg := segs[i]
			id, err := segB.NextSequence()
			if err != nil {
				return err
			}
			seg.ID = int64(id)
			idKey := itob(id)

			data, err := json.Marshal(seg)
			if err != nil {
				return fmt.Errorf("marshal segment %s: %w", seg.ExternalSegmentID, err)
			}
			if err := segB.Put(idKey, data); err != nil {
				return err
			}
			if err := streetB.Put(compositeKey(seg.StreetNameNormalized, idKey), []byte{}); err != nil {
				return err
			}
			if seg.GeohashCoarse != nil {
				if err := geoB.Put(compositeKey(*seg.GeohashCoarse, idKey), []byte{}); err != nil {
					return err
				}
			}
			if err := extB.Put([]byte(seg.ExternalSegmentID), idKey); err != nil {
				return err
			}
		}

		refreshB := tx.Bucket(bucketRefreshes)
		seq, err := refreshB.NextSequence()
		if err != nil {
			return err
		}
		meta, err := json.Marshal(store.RefreshMetadata{FetchedAt: fetchedAt.UTC(), SegmentCount: len(segs)})
		if err != nil {
			return err
		}
		return refreshB.Put(itob(seq), meta)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replace segments: %w", err)
	}

	s.logger.Info("corpus replaced", zap.Int("segments", len(segs)))
	return len(segs), nil
}

func (s *Store) LastRefresh(ctx context.Context) (*store.RefreshMetadata, error) {
	var meta *store.RefreshMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(bucketRefreshes).Cursor().Last()
		if v == nil {
			return nil
		}
		meta = &store.RefreshMetadata{}
		return json.Unmarshal(v, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh metadata: %w", err)
	}
	return meta, nil
}

// DistinctNormalizedNames walks the street index, whose keys sort by name.
func (s *Store) DistinctNormalizedNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketStreetIndex).Cursor()
		last := ""
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			i := bytes.IndexByte(k, sep)
			if i < 0 {
				continue
			}
			name := string(k[:i])
			if len(names) > 0 && name == last {
				continue
			}
			names = append(names, name)
			last = name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list street names: %w", err)
	}
	return names, nil
}

func (s *Store) GetSegmentsByStreet(ctx context.Context, normalized string) ([]store.StreetSegment, error) {
	segs, err := s.scanIndex(bucketStreetIndex, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get segments for %q: %w", normalized, err)
	}
	return segs, nil
}

// SegmentsNear returns the segments sharing the coarse bucket of (lat, lon).
func (s *Store) SegmentsNear(ctx context.Context, lat, lon float64) ([]store.StreetSegment, error) {
	_, coarse, err := geohash.Pair(lat, lon)
	if err != nil {
		return nil, err
	}
	segs, err := s.scanIndex(bucketGeoIndex, coarse)
	if err != nil {
		return nil, fmt.Errorf("failed to get segments near (%f, %f): %w", lat, lon, err)
	}
	return segs, nil
}

func (s *Store) scanIndex(bucket []byte, value string) ([]store.StreetSegment, error) {
	prefix := compositeKey(value, nil)
	var segs []store.StreetSegment
	err := s.db.View(func(tx *bbolt.Tx) error {
		segB := tx.Bucket(bucketSegments)
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			v := segB.Get(k[len(prefix):])
			if v == nil {
				continue
			}
			var seg store.StreetSegment
			if err := json.Unmarshal(v, &seg); err != nil {
				return err
			}
			segs = append(segs, seg)
		}
		return nil
	})
	return segs, err
}

func (s *Store) CountSegments(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketSegments).Stats().KeyN
		return nil
	})
	return n, err
}

func getRecord(tx *bbolt.Tx, id string) (*disruptionRecord, error) {
	v := tx.Bucket(bucketDisruptions).Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var rec disruptionRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode disruption %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(tx *bbolt.Tx, rec *disruptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDisruptions).Put([]byte(rec.ID), data)
}

// updateRecord loads (or starts) the record for id, applies fn and saves it.
func (s *Store) updateRecord(id string, fn func(tx *bbolt.Tx, rec *disruptionRecord) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &disruptionRecord{Disruption: store.Disruption{ID: id}}
		}
		if err := fn(tx, rec); err != nil {
			return err
		}
		return putRecord(tx, rec)
	})
}

func (s *Store) GetDisruption(ctx context.Context, id string) (*store.Disruption, error) {
	var d *store.Disruption
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil || rec == nil {
			return err
		}
		d = &rec.Disruption
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("disruption %s: %w", id, store.ErrNotFound)
	}
	return d, nil
}

// ListDisruptions returns never-matched records first, then the rest by
// oldest match, ties in id order.
func (s *Store) ListDisruptions(ctx context.Context, limit int) ([]store.Disruption, error) {
	var recs []disruptionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDisruptions).ForEach(func(k, v []byte) error {
			var rec disruptionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list disruptions: %w", err)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].lastMatched(), recs[j].lastMatched()
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]store.Disruption, len(recs))
	for i, rec := range recs {
		out[i] = rec.Disruption
	}
	return out, nil
}

func (r *disruptionRecord) lastMatched() *time.Time {
	if r.Cache == nil {
		return nil
	}
	return r.Cache.LastMatchedAt
}

// UpsertDisruption stores title and description, keeping any match state.
func (s *Store) UpsertDisruption(ctx context.Context, d store.Disruption) error {
	return s.updateRecord(d.ID, func(tx *bbolt.Tx, rec *disruptionRecord) error {
		rec.Title = d.Title
		rec.Description = d.Description
		return nil
	})
}

func (s *Store) GetMatchCache(ctx context.Context, id string) (*store.MatchCacheEntry, error) {
	var entry *store.MatchCacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil || rec == nil {
			return err
		}
		entry = rec.Cache
		return nil
	})
	return entry, err
}

func (s *Store) UpdateMatchCache(ctx context.Context, id string, entry store.MatchCacheEntry) error {
	return s.updateRecord(id, func(tx *bbolt.Tx, rec *disruptionRecord) error {
		rec.Cache = &entry
		return nil
	})
}

// ReplaceMappings rewrites the mappings and address output of one disruption.
func (s *Store) ReplaceMappings(ctx context.Context, id string, mappings []store.Mapping, out store.AddressOutput) error {
	err := s.updateRecord(id, func(tx *bbolt.Tx, rec *disruptionRecord) error {
		mb := tx.Bucket(bucketMappings)
		prefix := compositeKey(id, nil)

		var stale [][]byte
		c := mb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := mb.Delete(k); err != nil {
				return err
			}
		}

		for _, m := range mappings {
			if m.DisruptionID != id {
				return fmt.Errorf("mapping for %s passed to disruption %s", m.DisruptionID, id)
			}
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := mb.Put(compositeKey(id, []byte(m.ExternalSegmentID)), data); err != nil {
				return err
			}
		}

		rec.Output = out
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace mappings for %s: %w", id, err)
	}
	return nil
}

// GetMappings joins stored mappings to the current corpus by external id.
func (s *Store) GetMappings(ctx context.Context, id string) ([]store.MappingView, error) {
	var views []store.MappingView
	err := s.db.View(func(tx *bbolt.Tx) error {
		segB := tx.Bucket(bucketSegments)
		extB := tx.Bucket(bucketExtIndex)
		prefix := compositeKey(id, nil)

		c := tx.Bucket(bucketMappings).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var view store.MappingView
			if err := json.Unmarshal(v, &view.Mapping); err != nil {
				return err
			}
			if idKey := extB.Get([]byte(view.ExternalSegmentID)); idKey != nil {
				if raw := segB.Get(idKey); raw != nil {
					var seg store.StreetSegment
					if err := json.Unmarshal(raw, &seg); err != nil {
						return err
					}
					view.SegmentID = seg.ID
					view.StreetName = seg.StreetName
					view.LeftFrom, view.LeftTo = seg.LeftFrom, seg.LeftTo
					view.RightFrom, view.RightTo = seg.RightFrom, seg.RightTo
				}
			}
			views = append(views, view)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get mappings for %s: %w", id, err)
	}
	return views, nil
}

// AddressOutput returns what ReplaceMappings last wrote for id.
func (s *Store) AddressOutput(ctx context.Context, id string) (*store.AddressOutput, error) {
	var out *store.AddressOutput
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil || rec == nil {
			return err
		}
		out = &rec.Output
		return nil
	})
	return out, err
}
