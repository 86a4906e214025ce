// Package recon implements the stocktake reconciliation engine: it reads
// item snapshots from the three sources, aligns them by item identifier,
// scores per-item disagreement against the cutoff, and emits the results
// once per run.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inventoryops/stocktake/internal/config"
	"github.com/inventoryops/stocktake/internal/esindex"
	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/rabbit"
	"github.com/inventoryops/stocktake/internal/resilience"
	"github.com/inventoryops/stocktake/internal/store"
)

// Engine coordinates one reconciliation run at a time per target. It is the
// only component that mutates run-scoped state; everything downstream of it
// is a pure transformation or an idempotent write.
type Engine struct {
	cutoff float64
	target string
	window time.Duration

	index   esindex.Client
	markers store.Store
	emitter *Emitter
	retry   resilience.Policy
	score   ScoreFunc

	// claimMu serializes the active-run check with marker creation so two
	// concurrent triggers cannot both claim the same target.
	claimMu sync.Mutex

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New wires an engine from configuration and the shared long-lived clients.
func New(cfg *config.Config, index esindex.Client, publisher rabbit.Publisher, markers store.Store) *Engine {
	retry := resilience.PolicyFromConfig(
		cfg.Retry.MaxAttempts,
		cfg.Retry.InitialBackoffMs,
		cfg.Retry.MaxBackoffMs,
		cfg.Retry.Multiplier,
		cfg.Retry.JitterFraction,
	)
	breaker := resilience.NewCircuitBreaker(
		resilience.BreakerFromConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))

	return &Engine{
		cutoff:  cfg.Recon.Cutoff,
		target:  cfg.Recon.Target,
		window:  time.Duration(cfg.Recon.WindowMinutes) * time.Minute,
		index:   index,
		markers: markers,
		emitter: NewEmitter(index, publisher, retry, breaker,
			cfg.Rabbit.RoutingKey, cfg.Emit.Concurrency, cfg.Emit.IncludePartial),
		retry:   retry,
		score:   MaxSpread,
		nowFunc: time.Now,
	}
}

// claimRun checks for an in-flight run and creates this run's marker as one
// serialized step. Without the lock, two concurrent triggers could both pass
// the active check before either marker lands.
func (e *Engine) claimRun(ctx context.Context) (model.RunMarker, error) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()

	active, err := e.markers.ActiveMarker(ctx, e.target)
	if err != nil {
		return model.RunMarker{}, eris.Wrap(err, "recon: check active run")
	}
	if active != nil {
		return model.RunMarker{}, eris.Wrapf(ErrRunInProgress, "run %s is %s", active.RunID, active.Status)
	}

	now := e.nowFunc().UTC()
	marker := model.RunMarker{
		RunID:      uuid.New().String(),
		Target:     e.target,
		Status:     model.RunStatusInit,
		CutoffUsed: e.cutoff,
		Window:     model.Window{From: now.Add(-e.window), To: now},
		StartedAt:  now,
	}
	if err := e.markers.CreateMarker(ctx, marker); err != nil {
		return model.RunMarker{}, eris.Wrap(err, "recon: create run marker")
	}
	return marker, nil
}

// Run executes one full reconciliation pass. It refuses to start while a
// previous run's marker for the same target is non-terminal, and marks the
// run failed on any unrecoverable error, including cancellation.
func (e *Engine) Run(ctx context.Context) (*model.RunResult, error) {
	marker, err := e.claimRun(ctx)
	if err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("run_id", marker.RunID),
		zap.String("target", marker.Target),
		zap.Float64("cutoff", marker.CutoffUsed),
	)
	log.Info("recon: run started",
		zap.Time("window_from", marker.Window.From),
		zap.Time("window_to", marker.Window.To),
	)

	fail := func(stage string, cause error) (*model.RunResult, error) {
		reason := cause.Error()
		if ctx.Err() != nil {
			reason = fmt.Sprintf("cancelled during %s: %v", stage, ctx.Err())
		}
		// The marker write must survive the cancellation that killed the run.
		if ferr := e.markers.FailMarker(context.WithoutCancel(ctx), marker.RunID, reason); ferr != nil {
			log.Error("recon: failed to mark run failed", zap.Error(ferr))
		}
		log.Error("recon: run failed", zap.String("stage", stage), zap.Error(cause))
		return nil, eris.Wrapf(cause, "recon: %s", stage)
	}

	setStatus := func(status model.RunStatus) {
		if err := e.markers.UpdateStatus(ctx, marker.RunID, status); err != nil {
			log.Warn("recon: failed to update run status",
				zap.String("status", string(status)), zap.Error(err))
		}
		marker.Status = status
	}

	// Reading: fan out to the three sources, join on all of them.
	setStatus(model.RunStatusReading)
	bySource, err := e.fetchAll(ctx, marker.Window)
	if err != nil {
		return fail("reading", err)
	}
	log.Info("recon: sources read",
		zap.Int("fbi", len(bySource[model.SourceFBI])),
		zap.Int("stac", len(bySource[model.SourceSTAC])),
		zap.Int("stock", len(bySource[model.SourceSTOCK])),
	)

	// Aligning: group by item_id, ordered ascending.
	setStatus(model.RunStatusAligning)
	joined := Align(bySource)
	if err := ctx.Err(); err != nil {
		return fail("aligning", err)
	}

	// Evaluating: pure per-item classification. Items with unusable
	// quantities are excluded with a reason; the run continues.
	setStatus(model.RunStatusEvaluating)
	evaluatedAt := e.nowFunc().UTC()
	result := &model.RunResult{}
	for _, item := range joined {
		res, err := Evaluate(item, marker.CutoffUsed, e.score, evaluatedAt)
		if err != nil {
			var evalErr *EvaluationError
			if errors.As(err, &evalErr) {
				log.Warn("recon: item excluded from run",
					zap.String("item_id", evalErr.ItemID),
					zap.String("reason", evalErr.Reason),
				)
				result.Excluded = append(result.Excluded, model.ExcludedItem{
					ItemID: evalErr.ItemID,
					Reason: evalErr.Reason,
				})
				continue
			}
			return fail("evaluating", err)
		}
		switch res.Classification {
		case model.ClassificationMatch:
			result.Matches++
		case model.ClassificationMismatch:
			result.Mismatches++
		case model.ClassificationPartial:
			result.Partials++
		}
		result.Results = append(result.Results, res)
	}
	if err := ctx.Err(); err != nil {
		return fail("evaluating", err)
	}

	// Emitting: events for discrepant items, result documents for all.
	setStatus(model.RunStatusEmitting)
	report := e.emitter.Emit(ctx, result.Results, marker)
	result.Report = *report
	if err := ctx.Err(); err != nil {
		return fail("emitting", err)
	}

	completedAt := e.nowFunc().UTC()
	if err := e.markers.CompleteMarker(ctx, marker.RunID, completedAt, report.Degraded()); err != nil {
		return fail("completing", err)
	}
	marker.Status = model.RunStatusCompleted
	marker.CompletedAt = &completedAt
	marker.Degraded = report.Degraded()
	result.Marker = marker

	log.Info("recon: run completed",
		zap.Int("items", len(result.Results)),
		zap.Int("matches", result.Matches),
		zap.Int("mismatches", result.Mismatches),
		zap.Int("partials", result.Partials),
		zap.Int("excluded", len(result.Excluded)),
		zap.Int("published", report.Published),
		zap.Int("indexed", report.Indexed),
		zap.Bool("degraded", report.Degraded()),
	)
	return result, nil
}
