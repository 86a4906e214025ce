package recon

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/inventoryops/stocktake/internal/esindex"
	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/rabbit"
	"github.com/inventoryops/stocktake/internal/resilience"
)

func newTestEmitter(idx esindex.Client, pub rabbit.Publisher, includePartial bool) *Emitter {
	retry := resilience.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, JitterFraction: 0}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{FailureThreshold: 100})
	return NewEmitter(idx, pub, retry, breaker, "stocktake.discrepancy", 2, includePartial)
}

func testMarker() model.RunMarker {
	return model.RunMarker{
		RunID:      "run-1",
		Target:     "warehouse-a",
		Status:     model.RunStatusEmitting,
		CutoffUsed: 5,
		StartedAt:  evalTime,
	}
}

func matchResult(id string) model.DiscrepancyResult {
	return model.DiscrepancyResult{
		ItemID:         id,
		Score:          0,
		Classification: model.ClassificationMatch,
		Quantities: map[model.Source]float64{
			model.SourceFBI: 50, model.SourceSTAC: 50, model.SourceSTOCK: 50,
		},
		EvaluatedAt: evalTime,
	}
}

func mismatchResult(id string, score float64) model.DiscrepancyResult {
	return model.DiscrepancyResult{
		ItemID:         id,
		Score:          score,
		Classification: model.ClassificationMismatch,
		Quantities: map[model.Source]float64{
			model.SourceFBI: 100, model.SourceSTAC: 100, model.SourceSTOCK: 100 - score,
		},
		EvaluatedAt: evalTime,
	}
}

func partialResult(id string, absent ...model.Source) model.DiscrepancyResult {
	return model.DiscrepancyResult{
		ItemID:         id,
		Score:          model.PartialScore,
		Classification: model.ClassificationPartial,
		Quantities:     map[model.Source]float64{model.SourceFBI: 10},
		AbsentSources:  absent,
		EvaluatedAt:    evalTime,
	}
}

func TestEmit_PublishesMismatchesAndIndexesEverything(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, false)

	results := []model.DiscrepancyResult{mismatchResult("A1", 6), matchResult("A2")}

	pub.On("Publish", mock.Anything, "stocktake.discrepancy", mock.MatchedBy(func(e Event) bool {
		return e.ItemID == "A1"
	})).Return(nil)
	idx.On("UpsertResults", mock.Anything, "run-1", results).
		Return(&esindex.BulkReport{Indexed: 2}, nil)

	report := em.Emit(context.Background(), results, testMarker())

	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 2, report.Indexed)
	assert.Empty(t, report.Failures)
	assert.False(t, report.Degraded())
	pub.AssertNumberOfCalls(t, "Publish", 1)
	idx.AssertExpectations(t)
}

func TestEmit_EventCarriesFullDiscrepancyContext(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, false)

	var captured Event
	pub.On("Publish", mock.Anything, "stocktake.discrepancy", mock.MatchedBy(func(e Event) bool {
		captured = e
		return true
	})).Return(nil)
	idx.On("UpsertResults", mock.Anything, "run-1", mock.Anything).
		Return(&esindex.BulkReport{Indexed: 1}, nil)

	em.Emit(context.Background(), []model.DiscrepancyResult{mismatchResult("A1", 6)}, testMarker())

	assert.Equal(t, "run-1", captured.RunID)
	assert.Equal(t, "warehouse-a", captured.Target)
	assert.Equal(t, "A1", captured.ItemID)
	assert.Equal(t, 6.0, captured.Score)
	assert.Equal(t, model.ClassificationMismatch, captured.Classification)
	assert.Equal(t, 5.0, captured.CutoffUsed)
	assert.Equal(t, evalTime.Format(time.RFC3339), captured.EvaluatedAt)
}

func TestEmit_PartialsSuppressedByDefault(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, false)

	results := []model.DiscrepancyResult{partialResult("A3", model.SourceSTAC, model.SourceSTOCK)}
	idx.On("UpsertResults", mock.Anything, "run-1", results).
		Return(&esindex.BulkReport{Indexed: 1}, nil)

	report := em.Emit(context.Background(), results, testMarker())

	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 1, report.Indexed)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmit_IncludePartialPublishesPartials(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, true)

	results := []model.DiscrepancyResult{partialResult("A3", model.SourceSTAC, model.SourceSTOCK)}
	pub.On("Publish", mock.Anything, "stocktake.discrepancy", mock.MatchedBy(func(e Event) bool {
		return e.ItemID == "A3" &&
			assert.ObjectsAreEqual([]model.Source{model.SourceSTAC, model.SourceSTOCK}, e.AbsentSources)
	})).Return(nil)
	idx.On("UpsertResults", mock.Anything, "run-1", results).
		Return(&esindex.BulkReport{Indexed: 1}, nil)

	report := em.Emit(context.Background(), results, testMarker())

	assert.Equal(t, 1, report.Published)
	pub.AssertExpectations(t)
}

func TestEmit_PublishFailureDegradesRunButIndexingContinues(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, false)

	results := []model.DiscrepancyResult{mismatchResult("A1", 6), mismatchResult("B2", 7)}
	pub.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(e Event) bool {
		return e.ItemID == "A1"
	})).Return(eris.New("access refused"))
	pub.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(e Event) bool {
		return e.ItemID == "B2"
	})).Return(nil)
	idx.On("UpsertResults", mock.Anything, "run-1", results).
		Return(&esindex.BulkReport{Indexed: 2}, nil)

	report := em.Emit(context.Background(), results, testMarker())

	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 2, report.Indexed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "A1", report.Failures[0].ItemID)
	assert.Equal(t, model.EmitStagePublish, report.Failures[0].Stage)
	assert.True(t, report.Degraded())
	idx.AssertExpectations(t)
}

func TestEmit_BulkWriteFailureMarksEveryItem(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, false)

	results := []model.DiscrepancyResult{matchResult("A2"), matchResult("B2")}
	idx.On("UpsertResults", mock.Anything, "run-1", results).
		Return(nil, eris.New("mapping rejected"))

	report := em.Emit(context.Background(), results, testMarker())

	assert.Equal(t, 0, report.Indexed)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Equal(t, model.EmitStageIndex, f.Stage)
	}
	assert.True(t, report.Degraded())
}

func TestEmit_PerDocumentIndexFailuresReportedInOrder(t *testing.T) {
	idx := new(mockIndex)
	pub := new(mockPublisher)
	em := newTestEmitter(idx, pub, false)

	results := []model.DiscrepancyResult{matchResult("A2"), matchResult("B2"), matchResult("C3")}
	idx.On("UpsertResults", mock.Anything, "run-1", results).
		Return(&esindex.BulkReport{
			Indexed: 1,
			Failed:  map[string]string{"C3": "version conflict", "B2": "doc too large"},
		}, nil)

	report := em.Emit(context.Background(), results, testMarker())

	assert.Equal(t, 1, report.Indexed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "B2", report.Failures[0].ItemID)
	assert.Equal(t, "C3", report.Failures[1].ItemID)
	assert.True(t, report.Degraded())
}
