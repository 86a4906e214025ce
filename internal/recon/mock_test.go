package recon

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/inventoryops/stocktake/internal/esindex"
	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/store"
)

// --- Index mock ---

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) FetchItems(ctx context.Context, source model.Source, window model.Window) ([]model.ItemRecord, error) {
	args := m.Called(ctx, source, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ItemRecord), args.Error(1)
}

func (m *mockIndex) UpsertResults(ctx context.Context, runID string, results []model.DiscrepancyResult) (*esindex.BulkReport, error) {
	args := m.Called(ctx, runID, results)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*esindex.BulkReport), args.Error(1)
}

// --- Publisher mock ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	args := m.Called(ctx, routingKey, payload)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Marker store mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateMarker(ctx context.Context, marker model.RunMarker) error {
	args := m.Called(ctx, marker)
	return args.Error(0)
}

func (m *mockStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *mockStore) CompleteMarker(ctx context.Context, runID string, completedAt time.Time, degraded bool) error {
	args := m.Called(ctx, runID, completedAt, degraded)
	return args.Error(0)
}

func (m *mockStore) FailMarker(ctx context.Context, runID string, reason string) error {
	args := m.Called(ctx, runID, reason)
	return args.Error(0)
}

func (m *mockStore) GetMarker(ctx context.Context, runID string) (*model.RunMarker, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunMarker), args.Error(1)
}

func (m *mockStore) ActiveMarker(ctx context.Context, target string) (*model.RunMarker, error) {
	args := m.Called(ctx, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunMarker), args.Error(1)
}

func (m *mockStore) ListMarkers(ctx context.Context, filter store.MarkerFilter) ([]model.RunMarker, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RunMarker), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
