package matcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/segmatch/internal/store"
)

type batchResult struct {
	id      string
	outcome Outcome
	err     error
}

// MatchBatch processes disruptions on Options.Workers goroutines. Every
// disruption is attempted and counted once; a failure is logged and counted
// without stopping the batch. Canceling ctx stops handing out work, and the
// disruptions never started are counted as abandoned.
func (o *Orchestrator) MatchBatch(ctx context.Context, disruptions []store.Disruption) BatchStats {
	startTime := time.Now()
	stats := BatchStats{Total: len(disruptions)}
	if len(disruptions) == 0 {
		return stats
	}

	workers := o.opts.Workers
	if workers > len(disruptions) {
		workers = len(disruptions)
	}

	docChan := make(chan store.Disruption)
	resultChan := make(chan batchResult, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, docChan, resultChan, &wg)
	}

	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		processed := 0
		for r := range resultChan {
			processed++
			switch {
			case r.err != nil:
				stats.Failed++
				o.logger.Warn("failed to match disruption",
					zap.String("disruption_id", r.id),
					zap.Error(r.err))
			case r.outcome.Matched():
				stats.Matched++
			default:
				stats.Unmatched++
			}
			if r.err == nil && r.outcome.FromCache {
				stats.FromCache++
			}
			if processed%100 == 0 {
				o.logger.Info("batch progress",
					zap.Int("processed", processed),
					zap.Int("total", stats.Total))
			}
		}
	}()

	sent := 0
feed:
	for _, d := range disruptions {
		select {
		case <-ctx.Done():
			break feed
		case docChan <- d:
			sent++
		}
	}

	close(docChan)
	wg.Wait()
	close(resultChan)
	<-doneChan

	stats.Abandoned = len(disruptions) - sent
	stats.ProcessingTime = time.Since(startTime)

	o.logger.Info("batch complete",
		zap.Int("total", stats.Total),
		zap.Int("matched", stats.Matched),
		zap.Int("unmatched", stats.Unmatched),
		zap.Int("from_cache", stats.FromCache),
		zap.Int("failed", stats.Failed),
		zap.Int("abandoned", stats.Abandoned),
		zap.Duration("elapsed", stats.ProcessingTime))
	return stats
}

func (o *Orchestrator) worker(ctx context.Context, docChan <-chan store.Disruption, resultChan chan<- batchResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for d := range docChan {
		resultChan <- o.processSafely(ctx, d)
	}
}

func (o *Orchestrator) processSafely(ctx context.Context, d store.Disruption) (r batchResult) {
	r.id = d.ID
	defer func() {
		if p := recover(); p != nil {
			r.err = fmt.Errorf("panic: %v", p)
		}
	}()
	r.outcome, r.err = o.Process(ctx, d)
	return r
}
