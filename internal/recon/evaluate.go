package recon

import (
	"math"
	"time"

	"github.com/inventoryops/stocktake/internal/model"
)

// ScoreFunc computes a non-negative disagreement score from the per-source
// quantities of a complete item. Implementations must be monotonic (larger
// disagreement yields a larger score) and symmetric under permutation of
// which source is treated as the base.
type ScoreFunc func(quantities []float64) float64

// MaxSpread is the default score: the maximum pairwise absolute difference,
// which for any set of values equals max minus min.
func MaxSpread(quantities []float64) float64 {
	if len(quantities) == 0 {
		return 0
	}
	lo, hi := quantities[0], quantities[0]
	for _, q := range quantities[1:] {
		lo = math.Min(lo, q)
		hi = math.Max(hi, q)
	}
	return hi - lo
}

// Evaluate classifies one joined item against the cutoff. Pure function of
// its inputs: no side effects, no clock reads.
//
// An item missing from any source classifies as partial with the sentinel
// score; agreement of the remaining sources is irrelevant. A present record
// without a usable quantity yields an EvaluationError and the item is
// excluded from the run. A score strictly greater than the cutoff is a
// mismatch; a score equal to the cutoff is a match.
func Evaluate(item model.JoinedItem, cutoff float64, score ScoreFunc, evaluatedAt time.Time) (model.DiscrepancyResult, error) {
	result := model.DiscrepancyResult{
		ItemID:      item.ItemID,
		Quantities:  make(map[model.Source]float64),
		EvaluatedAt: evaluatedAt,
	}

	var quantities []float64
	for _, src := range model.AllSources() {
		slot := item.Slots[src]
		if !slot.Present {
			continue
		}
		if !slot.Record.HasQuantity || math.IsNaN(slot.Record.Quantity) || math.IsInf(slot.Record.Quantity, 0) {
			return model.DiscrepancyResult{}, &EvaluationError{
				ItemID: item.ItemID,
				Reason: "record from " + string(src) + " has no usable quantity",
			}
		}
		result.Quantities[src] = slot.Record.Quantity
		quantities = append(quantities, slot.Record.Quantity)
	}

	if absent := item.AbsentSources(); len(absent) > 0 {
		result.Classification = model.ClassificationPartial
		result.Score = model.PartialScore
		result.AbsentSources = absent
		return result, nil
	}

	result.Score = score(quantities)
	if result.Score > cutoff {
		result.Classification = model.ClassificationMismatch
	} else {
		result.Classification = model.ClassificationMatch
	}
	return result, nil
}
