package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/segmatch/internal/geometry"
	"github.com/segmatch/internal/lock"
	"github.com/segmatch/internal/normalize"
	"github.com/segmatch/internal/store"
)

// LockKey names the lock held for the duration of a refresh.
const LockKey = "corpus-refresh"

type Options struct {
	PageSize        int
	MaxPages        int // <= 0 means no limit
	FetchRetries    int
	RetryBackoff    time.Duration
	FreshnessWindow time.Duration
	LockTTL         time.Duration
}

func DefaultOptions() Options {
	return Options{
		PageSize:        1000,
		MaxPages:        500,
		FetchRetries:    3,
		RetryBackoff:    2 * time.Second,
		FreshnessWindow: 7 * 24 * time.Hour,
		LockTTL:         30 * time.Minute,
	}
}

// RefreshResult reports the outcome of one refresh attempt.
type RefreshResult struct {
	Success          bool   `json:"success"`
	SegmentsStored   int    `json:"segments_stored"`
	FromCache        bool   `json:"from_cache"`
	Skipped          int    `json:"skipped,omitempty"`
	Duplicates       int    `json:"duplicates,omitempty"`
	GeometryFailures int    `json:"geometry_failures,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Invalidator is told when the stored corpus changed.
type Invalidator interface {
	Clear()
}

// Refresher replaces the stored corpus from a Source.
type Refresher struct {
	source Source
	repo   store.SegmentRepository
	locker lock.Locker
	names  Invalidator
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	timer  backoff.Timer // nil uses a real timer
}

// NewRefresher wires a refresher. names may be nil.
func NewRefresher(source Source, repo store.SegmentRepository, locker lock.Locker, names Invalidator, opts Options, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultOptions().PageSize
	}
	return &Refresher{
		source: source,
		repo:   repo,
		locker: locker,
		names:  names,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// linearBackOff waits n*step before the nth retry.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Refresh refetches the corpus unless the last refresh is inside the
// freshness window and force is false. The stored corpus is only touched
// after every page was fetched, so a failed refresh leaves it intact.
func (r *Refresher) Refresh(ctx context.Context, force bool) (RefreshResult, error) {
	if !force {
		res, fresh, err := r.checkFresh(ctx)
		if err != nil {
			return failed(res, err)
		}
		if fresh {
			return res, nil
		}
	}

	release, err := r.locker.Acquire(ctx, LockKey, r.opts.LockTTL)
	if err != nil {
		return failed(RefreshResult{}, fmt.Errorf("failed to acquire refresh lock: %w", err))
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release refresh lock", zap.Error(err))
		}
	}()

	start := r.now()
	records, err := r.fetchAll(ctx)
	if err != nil {
		return failed(RefreshResult{}, err)
	}

	segs, res := r.buildSegments(records)
	if len(segs) == 0 {
		return failed(res, fmt.Errorf("upstream returned no usable segments (%d records)", len(records)))
	}

	stored, err := r.repo.ReplaceSegments(ctx, segs, r.now().UTC())
	if err != nil {
		return failed(res, fmt.Errorf("failed to store segments: %w", err))
	}
	if r.names != nil {
		r.names.Clear()
	}

	res.Success = true
	res.SegmentsStored = stored
	r.logger.Info("corpus refreshed",
		zap.Int("records", len(records)),
		zap.Int("stored", stored),
		zap.Int("skipped", res.Skipped),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("geometry_failures", res.GeometryFailures),
		zap.Duration("elapsed", r.now().Sub(start)))
	return res, nil
}

func failed(res RefreshResult, err error) (RefreshResult, error) {
	res.Success = false
	res.Error = err.Error()
	return res, err
}

func (r *Refresher) checkFresh(ctx context.Context) (RefreshResult, bool, error) {
	meta, err := r.repo.LastRefresh(ctx)
	if err != nil {
		return RefreshResult{}, false, fmt.Errorf("failed to read refresh metadata: %w", err)
	}
	if meta == nil || r.opts.FreshnessWindow <= 0 {
		return RefreshResult{}, false, nil
	}
	age := r.now().Sub(meta.FetchedAt)
	if age >= r.opts.FreshnessWindow {
		r.logger.Info("corpus is stale", zap.Duration("age", age))
		return RefreshResult{}, false, nil
	}
	r.logger.Debug("corpus is fresh", zap.Duration("age", age), zap.Int("segments", meta.SegmentCount))
	return RefreshResult{Success: true, FromCache: true, SegmentsStored: meta.SegmentCount}, true, nil
}

func (r *Refresher) fetchAll(ctx context.Context) ([]Record, error) {
	var all []Record
	offset := 0
	for page := 0; ; page++ {
		if r.opts.MaxPages > 0 && page >= r.opts.MaxPages {
			return nil, fmt.Errorf("corpus exceeded %d pages of %d records", r.opts.MaxPages, r.opts.PageSize)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		recs, err := r.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
		r.logger.Debug("fetched corpus page",
			zap.Int("page", page),
			zap.Int("offset", offset),
			zap.Int("records", len(recs)))

		if len(recs) < r.opts.PageSize {
			return all, nil
		}
		offset += len(recs)
	}
}

func (r *Refresher) fetchPage(ctx context.Context, offset int) ([]Record, error) {
	var recs []Record
	fetch := func() error {
		var err error
		recs, err = r.source.FetchPage(ctx, offset, r.opts.PageSize)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	retries := uint64(max(r.opts.FetchRetries, 0))
	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: r.opts.RetryBackoff}, retries), ctx)
	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		r.logger.Warn("retrying corpus page",
			zap.Int("offset", offset),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotifyWithTimer(fetch, policy, notify, r.timer)
	if err == nil {
		return recs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.Is(err, ErrFetch) {
		err = fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return nil, fmt.Errorf("page at offset %d: %w", offset, err)
}

// buildSegments validates records and derives the normalized name and
// spatial fields. Rows without an id or a usable name are skipped; a
// repeated id keeps its first row.
func (r *Refresher) buildSegments(records []Record) ([]store.StreetSegment, RefreshResult) {
	var res RefreshResult
	segs := make([]store.StreetSegment, 0, len(records))
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		id := strings.TrimSpace(rec.ID.String())
		name := strings.TrimSpace(rec.StreetName)
		normalized := normalize.Normalize(name)
		if id == "" || normalized == "" {
			res.Skipped++
			continue
		}
		if _, dup := seen[id]; dup {
			res.Duplicates++
			continue
		}
		seen[id] = struct{}{}

		seg := store.StreetSegment{
			ExternalSegmentID:    id,
			StreetName:           name,
			StreetNameNormalized: normalized,
			FeatureCode:          rec.FeatureCode.String(),
			FeatureDescription:   strings.TrimSpace(rec.FeatureDescription),
			LeftFrom:             rec.LeftFrom.Value,
			LeftTo:               rec.LeftTo.Value,
			RightFrom:            rec.RightFrom.Value,
			RightTo:              rec.RightTo.Value,
		}

		center, err := geometry.CenterOf(rec.Geometry)
		if err == nil {
			err = seg.SetCenter(center.Lat, center.Lon)
		}
		if err != nil {
			res.GeometryFailures++
			r.logger.Warn("segment stored without spatial data",
				zap.String("segment_id", id),
				zap.Error(err))
		}
		segs = append(segs, seg)
	}
	return segs, res
}
