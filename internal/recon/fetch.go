package recon

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/resilience"
)

// fetchAll reads the three sources concurrently and joins on all of them.
// This is the engine's only synchronization barrier: the aligner needs every
// source before it can group, and a failed source fails the whole read.
func (e *Engine) fetchAll(ctx context.Context, window model.Window) (map[model.Source][]model.ItemRecord, error) {
	bySource := make(map[model.Source][]model.ItemRecord, len(model.AllSources()))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for _, src := range model.AllSources() {
		g.Go(func() error {
			policy := e.retry
			policy.OnRetry = resilience.RetryLogger("esindex", "fetch "+string(src))

			records, err := resilience.DoVal(gCtx, policy, func(ctx context.Context) ([]model.ItemRecord, error) {
				return e.index.FetchItems(ctx, src, window)
			})
			if err != nil {
				return &SourceUnavailableError{Source: src, Err: err}
			}

			deduped := lastWriteWins(src, records)
			mu.Lock()
			bySource[src] = deduped
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bySource, nil
}

// lastWriteWins keeps at most one record per item_id, preferring the latest
// ModTime. Duplicates within one source are an alignment anomaly: logged,
// never fatal.
func lastWriteWins(source model.Source, records []model.ItemRecord) []model.ItemRecord {
	latest := make(map[string]model.ItemRecord, len(records))
	order := make([]string, 0, len(records))

	for _, rec := range records {
		prev, seen := latest[rec.ItemID]
		if !seen {
			latest[rec.ItemID] = rec
			order = append(order, rec.ItemID)
			continue
		}

		zap.L().Warn("alignment anomaly: duplicate item in source, applying last-write-wins",
			zap.String("source", string(source)),
			zap.String("item_id", rec.ItemID),
			zap.Time("kept", prev.ModTime),
			zap.Time("candidate", rec.ModTime),
		)
		if rec.ModTime.After(prev.ModTime) {
			latest[rec.ItemID] = rec
		}
	}

	out := make([]model.ItemRecord, 0, len(latest))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}
