package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/segmatch/internal/config"
	"github.com/segmatch/internal/corpus"
	"github.com/segmatch/internal/lock"
	"github.com/segmatch/internal/match"
	"github.com/segmatch/internal/matcher"
	"github.com/segmatch/internal/store"

	_ "github.com/segmatch/internal/store/bolt"
	_ "github.com/segmatch/internal/store/postgis"
	_ "github.com/segmatch/internal/store/postgres"
)

// app holds the wired components for one command run.
type app struct {
	store store.Store
	orch  *matcher.Orchestrator
	redis *redis.Client
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Backend:         cfg.Database.Backend,
		DSN:             cfg.Database.DSN,
		BoltPath:        cfg.Database.BoltPath,
		InsertBatchSize: cfg.Database.InsertBatchSize,
		QueryTimeout:    cfg.Database.QueryTimeout,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, storeConfig(cfg), logger)
}

func openApp(ctx context.Context) (*app, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.URL != "" {
		r, client, err := lock.NewRedisFromURL(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			st.Close()
			return nil, err
		}
		locker, a.redis = r, client
	}

	names := match.NewNameCache(st, cfg.Matching.MemoSize)
	source := corpus.NewHTTPSource(cfg.Corpus.BaseURL, cfg.Corpus.ResourceID, cfg.Corpus.RequestTimeout)
	refresher := corpus.NewRefresher(source, st, locker, names, corpus.Options{
		PageSize:        cfg.Corpus.PageSize,
		MaxPages:        cfg.Corpus.MaxPages,
		FetchRetries:    cfg.Corpus.FetchRetries,
		RetryBackoff:    cfg.Corpus.RetryBackoff,
		FreshnessWindow: cfg.Corpus.FreshnessWindow,
		LockTTL:         cfg.Corpus.LockTTL,
	}, logger.Named("corpus"))

	a.orch = matcher.NewOrchestrator(st, names, match.NewFuzzyMatcher(cfg.Matching.MaxEditDistance), refresher,
		matcher.Options{
			CachePolicy:   matcher.CachePolicy(cfg.Matching.CachePolicy),
			MinConfidence: cfg.Matching.MinConfidence,
			Workers:       cfg.Matching.Workers,
		}, logger.Named("matcher"))

	logger.Debug("components ready",
		zap.String("backend", st.Backend()),
		zap.Bool("redis_lock", a.redis != nil))
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	return nil
}
