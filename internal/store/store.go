// Package store persists run markers for idempotent replay, overlap
// refusal, and audit.
package store

import (
	"context"
	"time"

	"github.com/inventoryops/stocktake/internal/model"
)

// MarkerFilter specifies criteria for listing run markers.
type MarkerFilter struct {
	Target string          `json:"target,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for run markers. Only the run
// coordinator writes markers, and it holds at most one non-terminal marker
// per target at a time.
type Store interface {
	CreateMarker(ctx context.Context, m model.RunMarker) error
	UpdateStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteMarker(ctx context.Context, runID string, completedAt time.Time, degraded bool) error
	FailMarker(ctx context.Context, runID string, reason string) error

	GetMarker(ctx context.Context, runID string) (*model.RunMarker, error)

	// ActiveMarker returns the non-terminal marker for the target, or nil
	// if no run is in flight.
	ActiveMarker(ctx context.Context, target string) (*model.RunMarker, error)

	ListMarkers(ctx context.Context, filter MarkerFilter) ([]model.RunMarker, error)

	Migrate(ctx context.Context) error
	Close() error
}
