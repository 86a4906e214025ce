package model

import (
	"time"
)

// Classification is the outcome of evaluating one joined item against the
// cutoff.
type Classification string

const (
	// ClassificationMatch means all sources agree within the cutoff.
	ClassificationMatch Classification = "match"
	// ClassificationMismatch means the disagreement score exceeds the cutoff.
	ClassificationMismatch Classification = "mismatch"
	// ClassificationPartial means one or more sources held no record, so no
	// disagreement score could be computed.
	ClassificationPartial Classification = "partial"
)

// PartialScore is the sentinel recorded when a score could not be computed
// because a source was absent. Real disagreement scores are always >= 0.
const PartialScore float64 = -1

// DiscrepancyResult is the evaluated outcome for a single item in a run.
// Immutable; owned by the emitter until published, after which the results
// index and the exchange are the system of record.
type DiscrepancyResult struct {
	ItemID         string         `json:"item_id"`
	Score          float64        `json:"score"`
	Classification Classification `json:"classification"`

	// Quantities holds the per-source quantity snapshot. Absent sources are
	// listed in AbsentSources and carry no entry here; they are never
	// defaulted to zero.
	Quantities    map[Source]float64 `json:"quantities"`
	AbsentSources []Source           `json:"absent_sources,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ExcludedItem records an item dropped from a run's results, with the reason
// (e.g. a present record with no parseable quantity).
type ExcludedItem struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// EmitStage identifies which half of emission failed for an item.
type EmitStage string

const (
	EmitStagePublish EmitStage = "publish"
	EmitStageIndex   EmitStage = "index"
)

// EmitError records a per-item emission failure after retries were
// exhausted. The run continues; the marker is flagged degraded.
type EmitError struct {
	ItemID string    `json:"item_id"`
	Stage  EmitStage `json:"stage"`
	Reason string    `json:"reason"`
}

// EmitReport accounts for the true outcome of emission: how many events were
// published, how many result documents were indexed, and which items failed.
type EmitReport struct {
	RunID     string      `json:"run_id"`
	Published int         `json:"published"`
	Indexed   int         `json:"indexed"`
	Failures  []EmitError `json:"failures,omitempty"`
}

// Degraded reports whether any item failed to emit.
func (r EmitReport) Degraded() bool {
	return len(r.Failures) > 0
}

// RunResult is the complete account of one reconciliation run, combining the
// persisted marker with per-item outcomes.
type RunResult struct {
	Marker     RunMarker           `json:"marker"`
	Matches    int                 `json:"matches"`
	Mismatches int                 `json:"mismatches"`
	Partials   int                 `json:"partials"`
	Excluded   []ExcludedItem      `json:"excluded,omitempty"`
	Results    []DiscrepancyResult `json:"results,omitempty"`
	Report     EmitReport          `json:"report"`
}
