package recon

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inventoryops/stocktake/internal/esindex"
	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/rabbit"
	"github.com/inventoryops/stocktake/internal/resilience"
)

// Event is the outbound payload for one discrepant item. Consumers dedup on
// routing key + item_id + run_id: delivery to the exchange is at-least-once.
type Event struct {
	RunID          string                   `json:"run_id"`
	Target         string                   `json:"target"`
	ItemID         string                   `json:"item_id"`
	Score          float64                  `json:"score"`
	Classification model.Classification     `json:"classification"`
	Quantities     map[model.Source]float64 `json:"quantities"`
	AbsentSources  []model.Source           `json:"absent_sources,omitempty"`
	CutoffUsed     float64                  `json:"cutoff_used"`
	EvaluatedAt    string                   `json:"evaluated_at"`
}

// Emitter publishes events for discrepant items and writes result documents
// for every item. Publish failures degrade the run; they never abort it.
type Emitter struct {
	index     esindex.Client
	publisher rabbit.Publisher
	retry     resilience.Policy
	breaker   *resilience.CircuitBreaker

	routingKey     string
	concurrency    int
	includePartial bool
}

// NewEmitter wires the emitter. The breaker is shared across all publishes
// of a run so a dead broker fails fast instead of burning the retry budget
// item by item.
func NewEmitter(index esindex.Client, publisher rabbit.Publisher, retry resilience.Policy, breaker *resilience.CircuitBreaker, routingKey string, concurrency int, includePartial bool) *Emitter {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Emitter{
		index:          index,
		publisher:      publisher,
		retry:          retry,
		breaker:        breaker,
		routingKey:     routingKey,
		concurrency:    concurrency,
		includePartial: includePartial,
	}
}

// Emit publishes events for mismatching (and optionally partial) items and
// upserts a result document per item keyed {item_id, run_id}. The returned
// report reflects the true outcome of each item independently.
func (em *Emitter) Emit(ctx context.Context, results []model.DiscrepancyResult, marker model.RunMarker) *model.EmitReport {
	report := &model.EmitReport{RunID: marker.RunID}
	log := zap.L().With(zap.String("run_id", marker.RunID))

	// Per-item publishes, bounded concurrency. Failures are recorded, never
	// propagated: one bad item must not cancel its siblings.
	publishFailures := make([]*model.EmitError, len(results))
	var published int
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(em.concurrency)
	for i, r := range results {
		if !em.shouldPublish(r) {
			continue
		}
		g.Go(func() error {
			err := em.publishOne(ctx, r, marker)
			if err != nil {
				log.Warn("emit: publish failed",
					zap.String("item_id", r.ItemID),
					zap.Error(err),
				)
				publishFailures[i] = &model.EmitError{
					ItemID: r.ItemID,
					Stage:  model.EmitStagePublish,
					Reason: err.Error(),
				}
				return nil
			}
			mu.Lock()
			published++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Published = published
	for _, f := range publishFailures {
		if f != nil {
			report.Failures = append(report.Failures, *f)
		}
	}

	// Result documents are written for every classification. The upsert is
	// idempotent, so a re-run of the same run_id rewrites the same documents.
	policy := em.retry
	policy.OnRetry = resilience.RetryLogger("esindex", "upsert results")
	bulk, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*esindex.BulkReport, error) {
		return em.index.UpsertResults(ctx, marker.RunID, results)
	})
	if err != nil {
		log.Error("emit: result index write failed", zap.Error(err))
		for _, r := range results {
			report.Failures = append(report.Failures, model.EmitError{
				ItemID: r.ItemID,
				Stage:  model.EmitStageIndex,
				Reason: err.Error(),
			})
		}
		return report
	}

	report.Indexed = bulk.Indexed
	failedIDs := make([]string, 0, len(bulk.Failed))
	for id := range bulk.Failed {
		failedIDs = append(failedIDs, id)
	}
	sort.Strings(failedIDs)
	for _, id := range failedIDs {
		report.Failures = append(report.Failures, model.EmitError{
			ItemID: id,
			Stage:  model.EmitStageIndex,
			Reason: bulk.Failed[id],
		})
	}
	return report
}

func (em *Emitter) shouldPublish(r model.DiscrepancyResult) bool {
	switch r.Classification {
	case model.ClassificationMismatch:
		return true
	case model.ClassificationPartial:
		return em.includePartial
	default:
		return false
	}
}

func (em *Emitter) publishOne(ctx context.Context, r model.DiscrepancyResult, marker model.RunMarker) error {
	event := Event{
		RunID:          marker.RunID,
		Target:         marker.Target,
		ItemID:         r.ItemID,
		Score:          r.Score,
		Classification: r.Classification,
		Quantities:     r.Quantities,
		AbsentSources:  r.AbsentSources,
		CutoffUsed:     marker.CutoffUsed,
		EvaluatedAt:    r.EvaluatedAt.UTC().Format(time.RFC3339),
	}

	policy := em.retry
	policy.OnRetry = resilience.RetryLogger("rabbit", "publish "+r.ItemID)
	return resilience.Do(ctx, policy, func(ctx context.Context) error {
		return em.breaker.Execute(ctx, func(ctx context.Context) error {
			return em.publisher.Publish(ctx, em.routingKey, event)
		})
	})
}
