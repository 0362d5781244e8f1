// Package mock provides an in-memory test double for store.Repository.
package mock

import (
	"context"
	"sync"
	"time"

	"procodus.dev/telemetry/internal/store"
)

// HourlyCall records the arguments of a ComputeHourly call.
type HourlyCall struct {
	HourStart time.Time
	DeviceID  string
}

// DeleteCall records the arguments of a DeleteOlderThan call.
type DeleteCall struct {
	Cutoff time.Time
	Series store.Series
}

// MockRepository records calls and returns configurable results. Every
// method with a Func field defers to it when set.
type MockRepository struct {
	mu sync.Mutex

	IngestFunc  func(ctx context.Context, rec *store.IngestRecord) error
	IngestError error
	IngestCalls []store.IngestRecord

	Devices      []store.Device
	Latest       []store.LatestSample
	Samples      []store.TelemetrySample
	EventEntries []store.EventEntry
	Stats        []store.HourlyStatistic
	QueryError   error

	LatestCalls     []string
	TelemetryCalls  []store.TelemetryQuery
	EventsCalls     []store.EventQuery
	StatisticsCalls []store.StatisticsQuery

	ActiveIDs      []string
	ActiveIDsError error

	ComputeHourlyFunc  func(ctx context.Context, deviceID string, hourStart time.Time) (*store.HourlyStatistic, error)
	ComputeHourlyCalls []HourlyCall

	UpsertHourlyFunc  func(ctx context.Context, stat *store.HourlyStatistic) error
	UpsertHourlyCalls []store.HourlyStatistic

	// Counts is returned per series by CountOlderThan.
	Counts      map[store.Series]int64
	CountError  error
	CountCalls  []DeleteCall
	DeleteError error
	DeleteCalls []DeleteCall

	TableStatsResult []store.TableStat
	TableStatsError  error

	PingError error
}

// NewMockRepository creates an empty MockRepository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		Counts: make(map[store.Series]int64),
	}
}

// Ingest implements store.Repository.
func (m *MockRepository) Ingest(ctx context.Context, rec *store.IngestRecord) error {
	m.mu.Lock()
	m.IngestCalls = append(m.IngestCalls, *rec)
	fn, err := m.IngestFunc, m.IngestError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, rec)
	}
	return err
}

// Ingested returns a copy of the records passed to Ingest.
func (m *MockRepository) Ingested() []store.IngestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.IngestRecord(nil), m.IngestCalls...)
}

// ListDevices implements store.Repository.
func (m *MockRepository) ListDevices(_ context.Context) ([]store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Devices, m.QueryError
}

// LatestTelemetry implements store.Repository.
func (m *MockRepository) LatestTelemetry(_ context.Context, deviceID string) ([]store.LatestSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LatestCalls = append(m.LatestCalls, deviceID)
	return m.Latest, m.QueryError
}

// Telemetry implements store.Repository.
func (m *MockRepository) Telemetry(_ context.Context, q store.TelemetryQuery) ([]store.TelemetrySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TelemetryCalls = append(m.TelemetryCalls, q)
	return m.Samples, m.QueryError
}

// Events implements store.Repository.
func (m *MockRepository) Events(_ context.Context, q store.EventQuery) ([]store.EventEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsCalls = append(m.EventsCalls, q)
	return m.EventEntries, m.QueryError
}

// Statistics implements store.Repository.
func (m *MockRepository) Statistics(_ context.Context, q store.StatisticsQuery) ([]store.HourlyStatistic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatisticsCalls = append(m.StatisticsCalls, q)
	return m.Stats, m.QueryError
}

// ActiveDeviceIDs implements store.Repository.
func (m *MockRepository) ActiveDeviceIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ActiveIDs, m.ActiveIDsError
}

// ComputeHourly implements store.Repository. Without ComputeHourlyFunc it
// reports an empty hour.
func (m *MockRepository) ComputeHourly(ctx context.Context, deviceID string, hourStart time.Time) (*store.HourlyStatistic, error) {
	m.mu.Lock()
	m.ComputeHourlyCalls = append(m.ComputeHourlyCalls, HourlyCall{DeviceID: deviceID, HourStart: hourStart})
	fn := m.ComputeHourlyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, deviceID, hourStart)
	}
	return &store.HourlyStatistic{DeviceID: deviceID, HourTimestamp: hourStart}, nil
}

// UpsertHourly implements store.Repository.
func (m *MockRepository) UpsertHourly(ctx context.Context, stat *store.HourlyStatistic) error {
	m.mu.Lock()
	m.UpsertHourlyCalls = append(m.UpsertHourlyCalls, *stat)
	fn := m.UpsertHourlyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, stat)
	}
	return nil
}

// CountOlderThan implements store.Repository.
func (m *MockRepository) CountOlderThan(_ context.Context, series store.Series, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CountCalls = append(m.CountCalls, DeleteCall{Series: series, Cutoff: cutoff})
	if m.CountError != nil {
		return 0, m.CountError
	}
	return m.Counts[series], nil
}

// DeleteOlderThan implements store.Repository. It removes the series from
// Counts so a later count observes the deletion.
func (m *MockRepository) DeleteOlderThan(_ context.Context, series store.Series, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Series: series, Cutoff: cutoff})
	if m.DeleteError != nil {
		return 0, m.DeleteError
	}
	n := m.Counts[series]
	delete(m.Counts, series)
	return n, nil
}

// TableStats implements store.Repository.
func (m *MockRepository) TableStats(_ context.Context) ([]store.TableStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TableStatsResult, m.TableStatsError
}

// Ping implements store.Repository.
func (m *MockRepository) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingError
}

var _ store.Repository = (*MockRepository)(nil)
