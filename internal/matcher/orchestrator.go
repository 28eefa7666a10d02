// Package matcher ties extraction, fuzzy matching, the match cache and the
// address composer together for disruption records.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/segmatch/internal/address"
	"github.com/segmatch/internal/corpus"
	"github.com/segmatch/internal/extract"
	"github.com/segmatch/internal/match"
	"github.com/segmatch/internal/matchcache"
	"github.com/segmatch/internal/store"
)

// CachePolicy selects which of several matched streets is cached.
type CachePolicy string

const (
	// PolicyFirstMatch caches the first street that matched, in
	// candidate order, even when a later one scored higher.
	PolicyFirstMatch CachePolicy = "first_match"
	// PolicyBestConfidence caches the highest-confidence street; ties keep
	// the earlier one.
	PolicyBestConfidence CachePolicy = "best_confidence"
)

// Matcher resolves one raw candidate against the name index.
type Matcher interface {
	Match(candidate string, ix *match.NameIndex) match.Result
}

// Repository is the storage the orchestrator reads and writes.
type Repository interface {
	matchcache.Backend
	GetDisruption(ctx context.Context, id string) (*store.Disruption, error)
	GetSegmentsByStreet(ctx context.Context, normalized string) ([]store.StreetSegment, error)
	ReplaceMappings(ctx context.Context, id string, mappings []store.Mapping, out store.AddressOutput) error
	GetMappings(ctx context.Context, id string) ([]store.MappingView, error)
}

type Options struct {
	CachePolicy   CachePolicy
	MinConfidence float64
	Workers       int
}

func DefaultOptions() Options {
	return Options{CachePolicy: PolicyFirstMatch, Workers: 4}
}

// Orchestrator runs the matching pipeline for disruptions.
type Orchestrator struct {
	repo      Repository
	names     *match.NameCache
	matcher   Matcher
	cache     *matchcache.Cache
	refresher *corpus.Refresher
	opts      Options
	logger    *zap.Logger
}

// NewOrchestrator wires the pipeline. refresher may be nil when the caller
// never refreshes the corpus through the orchestrator.
func NewOrchestrator(repo Repository, names *match.NameCache, m Matcher, refresher *corpus.Refresher, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CachePolicy == "" {
		opts.CachePolicy = PolicyFirstMatch
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{
		repo:      repo,
		names:     names,
		matcher:   m,
		cache:     matchcache.New(repo, logger),
		refresher: refresher,
		opts:      opts,
		logger:    logger,
	}
}

// Outcome is the result of processing one disruption.
type Outcome struct {
	DisruptionID string              `json:"disruption_id"`
	Results      []store.MatchResult `json:"results"`
	// FromCache is true when the stored match was reused without matching.
	FromCache bool `json:"from_cache"`
}

// Matched reports whether at least one street was matched.
func (o Outcome) Matched() bool { return len(o.Results) > 0 }

// MatchOne returns the streets matched in a disruption's text. When the
// stored content hash still matches the text the cached street is returned
// without extraction or fuzzy matching. Mappings are not written.
func (o *Orchestrator) MatchOne(ctx context.Context, disruptionID, title, description string) ([]store.MatchResult, error) {
	out, cached, err := o.matchOne(ctx, disruptionID, title, description)
	if err != nil {
		return nil, err
	}
	if !out.FromCache {
		o.cache.Update(ctx, disruptionID, title, description, cached)
	}
	return out.Results, nil
}

// Process matches d, replaces its stored mappings and then updates the
// match cache. The cache is only written once the mappings are committed,
// so a failed write is retried in full on the next call. A reused cache
// entry rewrites the mappings only when none are stored.
func (o *Orchestrator) Process(ctx context.Context, d store.Disruption) (Outcome, error) {
	out, cached, err := o.matchOne(ctx, d.ID, d.Title, d.Description)
	if err != nil {
		return out, err
	}
	if out.FromCache {
		return out, o.repairMappings(ctx, d.ID, out.Results)
	}
	if err := o.storeFor(ctx, d.ID, out.Results); err != nil {
		return out, err
	}
	o.cache.Update(ctx, d.ID, d.Title, d.Description, cached)
	return out, nil
}

// repairMappings writes the mappings of a reused match when the record has
// none, as happens after MatchOne.
func (o *Orchestrator) repairMappings(ctx context.Context, id string, results []store.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	views, err := o.repo.GetMappings(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read mappings for %s: %w", id, err)
	}
	if len(views) > 0 {
		return nil
	}
	o.logger.Info("cached match has no stored mappings, writing them", zap.String("disruption_id", id))
	return o.storeFor(ctx, id, results)
}

// matchOne computes the results for one disruption and the result the cache
// policy selects. It never writes the cache.
func (o *Orchestrator) matchOne(ctx context.Context, id, title, description string) (Outcome, *match.Result, error) {
	out := Outcome{DisruptionID: id}

	entry, err := o.cache.Get(ctx, id)
	if err != nil {
		o.logger.Warn("failed to read match cache", zap.String("disruption_id", id), zap.Error(err))
		entry = nil
	}
	if o.cache.IsReusable(entry, title, description) {
		results, ok, err := o.fromCache(ctx, id, entry)
		if err != nil {
			return out, nil, err
		}
		if ok {
			out.Results = results
			out.FromCache = true
			return out, nil, nil
		}
	}

	ix, err := o.names.Load(ctx)
	if err != nil {
		return out, nil, err
	}

	var (
		cached   *match.Result
		resolved []string
	)
	seen := make(map[string]struct{})
	for candidate := range extract.Candidates(title + " " + description) {
		if tailOfAny(resolved, candidate) {
			continue
		}
		res := o.safeMatch(id, candidate, ix)
		if !res.Matched() || res.Confidence < o.opts.MinConfidence {
			continue
		}
		if _, dup := seen[res.Name]; dup {
			resolved = append(resolved, candidate)
			continue
		}

		segs, err := o.repo.GetSegmentsByStreet(ctx, res.Name)
		if err != nil {
			return out, nil, fmt.Errorf("failed to load segments for %q: %w", res.Name, err)
		}
		if len(segs) == 0 {
			continue
		}
		seen[res.Name] = struct{}{}
		resolved = append(resolved, candidate)
		out.Results = append(out.Results, buildResult(id, res.Name, res.Type, res.Confidence, segs))

		switch {
		case cached == nil:
			r := res
			cached = &r
		case o.opts.CachePolicy == PolicyBestConfidence && res.Confidence > cached.Confidence:
			r := res
			cached = &r
		}

		o.logger.Debug("candidate matched",
			zap.String("disruption_id", id),
			zap.String("candidate", candidate),
			zap.String("street", res.Name),
			zap.String("match_type", string(res.Type)),
			zap.Float64("confidence", res.Confidence))
	}

	return out, cached, nil
}

// tailOfAny reports whether candidate is the trailing words of a phrase that
// already resolved to a street, e.g. "Shore Boulevard" after "Lake Shore
// Boulevard".
func tailOfAny(resolved []string, candidate string) bool {
	for _, r := range resolved {
		if strings.HasSuffix(r, " "+candidate) {
			return true
		}
	}
	return false
}

// fromCache rebuilds the result from a reusable entry. ok is false when the
// cached street no longer has segments and the match must be recomputed.
func (o *Orchestrator) fromCache(ctx context.Context, id string, entry *store.MatchCacheEntry) ([]store.MatchResult, bool, error) {
	if entry.MatchType == store.MatchNone || entry.MatchedStreet == nil {
		return nil, true, nil
	}
	segs, err := o.repo.GetSegmentsByStreet(ctx, *entry.MatchedStreet)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load segments for %q: %w", *entry.MatchedStreet, err)
	}
	if len(segs) == 0 {
		o.logger.Info("cached street left the corpus, rematching",
			zap.String("disruption_id", id),
			zap.String("street", *entry.MatchedStreet))
		return nil, false, nil
	}
	return []store.MatchResult{
		buildResult(id, *entry.MatchedStreet, entry.MatchType, entry.MatchConfidence, segs),
	}, true, nil
}

// safeMatch turns a matcher panic into no match.
func (o *Orchestrator) safeMatch(id, candidate string, ix *match.NameIndex) (res match.Result) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("street matcher panicked",
				zap.String("disruption_id", id),
				zap.String("candidate", candidate),
				zap.Any("panic", p))
			res = match.Result{Type: store.MatchNone}
		}
	}()
	return o.matcher.Match(candidate, ix)
}

func buildResult(id, street string, typ store.MatchType, confidence float64, segs []store.StreetSegment) store.MatchResult {
	full, rng := address.Compose(address.DisplayName(street, segs), segs)
	r := store.MatchResult{
		DisruptionExternalID: id,
		StreetName:           street,
		MatchType:            typ,
		Confidence:           confidence,
		MatchedSegments:      segs,
		AddressFull:          &full,
	}
	if rng != "" {
		r.AddressRange = &rng
	}
	return r
}

// StoreMappings replaces the mappings of every disruption referenced by
// matches and writes the composed address fields onto each record. Each
// disruption is written in its own transaction; a failure on one does not
// roll back the others.
func (o *Orchestrator) StoreMappings(ctx context.Context, matches []store.MatchResult) error {
	var order []string
	groups := make(map[string][]store.MatchResult)
	for _, m := range matches {
		if m.DisruptionExternalID == "" {
			return errors.New("match result without disruption id")
		}
		if _, ok := groups[m.DisruptionExternalID]; !ok {
			order = append(order, m.DisruptionExternalID)
		}
		groups[m.DisruptionExternalID] = append(groups[m.DisruptionExternalID], m)
	}

	var errs []error
	for _, id := range order {
		if err := o.storeFor(ctx, id, groups[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func (o *Orchestrator) storeFor(ctx context.Context, id string, results []store.MatchResult) error {
	matched := results[:0:0]
	for _, r := range results {
		if r.MatchType == store.MatchNone {
			continue
		}
		if !r.Valid() {
			o.logger.Warn("inconsistent match result",
				zap.String("disruption_id", id),
				zap.String("street", r.StreetName),
				zap.Float64("confidence", r.Confidence))
		}
		matched = append(matched, r)
	}
	mappings := store.MappingsFromResults(id, matched)
	if err := o.repo.ReplaceMappings(ctx, id, mappings, address.Output(matched)); err != nil {
		return fmt.Errorf("failed to store mappings for %s: %w", id, err)
	}
	return nil
}

// GetMappingsFor lists the stored mappings of a disruption.
func (o *Orchestrator) GetMappingsFor(ctx context.Context, disruptionID string) ([]store.MappingView, error) {
	return o.repo.GetMappings(ctx, disruptionID)
}

// RefreshCorpus refreshes the segment corpus when it is stale, or always
// when force is set.
func (o *Orchestrator) RefreshCorpus(ctx context.Context, force bool) (corpus.RefreshResult, error) {
	if o.refresher == nil {
		err := errors.New("no corpus source configured")
		return corpus.RefreshResult{Error: err.Error()}, err
	}
	return o.refresher.Refresh(ctx, force)
}

// BatchStats counts the outcomes of a batch.
type BatchStats struct {
	Total          int           `json:"total"`
	Matched        int           `json:"matched"`
	Unmatched      int           `json:"unmatched"`
	FromCache      int           `json:"from_cache"`
	Failed         int           `json:"failed"`
	Abandoned      int           `json:"abandoned,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}
