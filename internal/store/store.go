// Package store defines the records and persistence contracts shared by the
// matching engine and its storage backends.
//
// Backends live in subpackages and register themselves with Register, the
// same way database/sql drivers do. Import the ones a binary needs:
//
//	import (
//		_ "github.com/segmatch/internal/store/bolt"
//		_ "github.com/segmatch/internal/store/postgis"
//		_ "github.com/segmatch/internal/store/postgres"
//	)
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownBackend = errors.New("store: unknown backend")
	// ErrUnsupported is returned by a backend that cannot serve the requested
	// configuration, such as postgis against a database without the extension.
	ErrUnsupported = errors.New("store: backend unsupported here")
	ErrNotFound    = errors.New("store: not found")
)

// SegmentRepository owns the street-segment corpus.
type SegmentRepository interface {
	// ReplaceSegments clears the corpus and inserts segs in one transaction,
	// then records a refresh row. Readers see the old or the new corpus,
	// never a mix.
	ReplaceSegments(ctx context.Context, segs []StreetSegment, fetchedAt time.Time) (int, error)
	// LastRefresh returns nil when the corpus was never refreshed.
	LastRefresh(ctx context.Context) (*RefreshMetadata, error)
	// DistinctNormalizedNames returns every normalized name once, ascending.
	DistinctNormalizedNames(ctx context.Context) ([]string, error)
	GetSegmentsByStreet(ctx context.Context, normalized string) ([]StreetSegment, error)
	// SegmentsNear returns segments in the coarse bucket around a point.
	SegmentsNear(ctx context.Context, lat, lon float64) ([]StreetSegment, error)
	CountSegments(ctx context.Context) (int, error)
}

// DisruptionStore reads and writes the match state kept on disruption
// records and the disruption to segment mappings.
type DisruptionStore interface {
	GetDisruption(ctx context.Context, id string) (*Disruption, error)
	ListDisruptions(ctx context.Context, limit int) ([]Disruption, error)
	UpsertDisruption(ctx context.Context, d Disruption) error
	// GetMatchCache returns nil when the record was never matched.
	GetMatchCache(ctx context.Context, id string) (*MatchCacheEntry, error)
	UpdateMatchCache(ctx context.Context, id string, entry MatchCacheEntry) error
	// ReplaceMappings deletes every mapping of disruption id, inserts
	// mappings and writes out onto the record, all in one transaction.
	ReplaceMappings(ctx context.Context, id string, mappings []Mapping, out AddressOutput) error
	GetMappings(ctx context.Context, id string) ([]MappingView, error)
}

// Store is a complete backend.
type Store interface {
	SegmentRepository
	DisruptionStore
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	// Backend is postgres, postgis, bolt, or auto. Auto tries postgis and
	// falls back to postgres when the extension is missing.
	Backend         string
	DSN             string
	BoltPath        string
	InsertBatchSize int
	QueryTimeout    time.Duration
	MaxOpenConns    int
}

// Opener constructs a backend.
type Opener func(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Opener)
)

// Register makes a backend available under name. It panics when called
// twice for the same name.
func Register(name string, open Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("store: Register called twice for backend " + name)
	}
	registry[name] = open
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = 500
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	if cfg.Backend == "auto" {
		s, err := openNamed(ctx, "postgis", cfg, logger)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrUnsupported) && !errors.Is(err, ErrUnknownBackend) {
			return nil, err
		}
		logger.Info("spatial extension unavailable, using geohash buckets", zap.Error(err))
		return openNamed(ctx, "postgres", cfg, logger)
	}
	return openNamed(ctx, cfg.Backend, cfg, logger)
}

func openNamed(ctx context.Context, name string, cfg Config, logger *zap.Logger) (Store, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}
	s, err := open(ctx, cfg, logger.With(zap.String("backend", name)))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}
	return s, nil
}
