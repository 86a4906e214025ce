package recon

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/inventoryops/stocktake/internal/model"
)

// ErrRunInProgress is returned when a run is refused because a non-terminal
// marker exists for the same target.
var ErrRunInProgress = eris.New("a reconciliation run is already in flight for this target")

// SourceUnavailableError means one of the three source indices could not be
// queried after retries. Fatal to the run: reconciling against incomplete
// source data would misclassify every item the dead source holds.
type SourceUnavailableError struct {
	Source model.Source
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// EvaluationError means a present record carried no usable quantity. The
// item is excluded from the run's results with this reason; the run
// continues.
type EvaluationError struct {
	ItemID string
	Reason string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %s: %s", e.ItemID, e.Reason)
}
