package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/telemetry/pkg/metrics"
)

// Series names one of the time-series tables subject to retention.
type Series string

const (
	SeriesTelemetry  Series = "telemetry_data"
	SeriesEvents     Series = "events"
	SeriesStatistics Series = "statistics_hourly"
)

// AllSeries lists the retention targets in deletion order.
var AllSeries = []Series{SeriesTelemetry, SeriesEvents, SeriesStatistics}

// ErrUnknownSeries is returned for a Series value outside AllSeries.
var ErrUnknownSeries = errors.New("unknown series")

// DeviceUpdate carries the device attributes reported with one ingestion.
// Nil fields leave the stored value untouched.
type DeviceUpdate struct {
	DeviceName        *string
	FirmwareVersion   *string
	FilesystemVersion *string
	IPAddress         *string
	MACAddress        *string
	// DefaultName is stored as the display name when the device is first
	// registered without one.
	DefaultName string
	DeviceID    string
}

// IngestRecord is everything persisted for a single accepted payload.
type IngestRecord struct {
	ReceivedAt time.Time
	Event      *Event
	Sample     TelemetrySample
	Device     DeviceUpdate
}

// TimeRange bounds a query on both ends. A nil bound is open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// TelemetryQuery selects raw samples for one device.
type TelemetryQuery struct {
	Range    TimeRange
	DeviceID string
	Limit    int
	Offset   int
}

// EventQuery selects events, optionally for one device.
type EventQuery struct {
	DeviceID string
	Limit    int
	Offset   int
}

// StatisticsQuery selects hourly rollups for one device.
type StatisticsQuery struct {
	Range    TimeRange
	DeviceID string
	Limit    int
}

// Repository is the persistence surface used by ingestion, the query API
// and the batch jobs.
type Repository interface {
	Ingest(ctx context.Context, rec *IngestRecord) error

	ListDevices(ctx context.Context) ([]Device, error)
	LatestTelemetry(ctx context.Context, deviceID string) ([]LatestSample, error)
	Telemetry(ctx context.Context, q TelemetryQuery) ([]TelemetrySample, error)
	Events(ctx context.Context, q EventQuery) ([]EventEntry, error)
	Statistics(ctx context.Context, q StatisticsQuery) ([]HourlyStatistic, error)

	ActiveDeviceIDs(ctx context.Context) ([]string, error)
	ComputeHourly(ctx context.Context, deviceID string, hourStart time.Time) (*HourlyStatistic, error)
	UpsertHourly(ctx context.Context, stat *HourlyStatistic) error

	CountOlderThan(ctx context.Context, series Series, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, series Series, cutoff time.Time) (int64, error)
	TableStats(ctx context.Context) ([]TableStat, error)

	Ping(ctx context.Context) error
}

var _ Repository = (*Store)(nil)

// Store implements Repository on top of gorm.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// StoreConfig holds the dependencies of a Store.
type StoreConfig struct {
	DB      *gorm.DB
	Logger  *slog.Logger
	Metrics *metrics.StoreMetrics // optional
}

// NewStore creates a Store.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Store{
		db:      cfg.DB,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.OperationsTotal.WithLabelValues(operation, status).Inc()
	s.metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Ingest upserts the device, inserts the sample and, if present, the event
// in a single transaction.
func (s *Store) Ingest(ctx context.Context, rec *IngestRecord) (err error) {
	if rec == nil {
		return errors.New("ingest record cannot be nil")
	}
	if rec.Device.DeviceID == "" {
		return errors.New("device id cannot be empty")
	}

	start := time.Now()
	defer func() { s.observe("ingest", start, err) }()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertDevice(tx, &rec.Device, rec.ReceivedAt); err != nil {
			return err
		}

		sample := rec.Sample
		sample.ID = 0
		sample.DeviceID = rec.Device.DeviceID
		if err := tx.Create(&sample).Error; err != nil {
			return fmt.Errorf("failed to insert telemetry sample: %w", err)
		}

		if rec.Event == nil {
			return nil
		}

		event := *rec.Event
		event.ID = 0
		event.DeviceID = rec.Device.DeviceID
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		return nil
	})
}

func upsertDevice(tx *gorm.DB, u *DeviceUpdate, seenAt time.Time) error {
	name := u.DeviceName
	if name == nil && u.DefaultName != "" {
		label := u.DefaultName
		name = &label
	}

	device := Device{
		DeviceID:          u.DeviceID,
		DeviceName:        name,
		FirmwareVersion:   u.FirmwareVersion,
		FilesystemVersion: u.FilesystemVersion,
		IPAddress:         u.IPAddress,
		MACAddress:        u.MACAddress,
		FirstSeen:         seenAt,
		LastSeen:          seenAt,
		IsActive:          true,
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"device_name":        gorm.Expr("COALESCE(?, devices.device_name)", u.DeviceName),
			"firmware_version":   gorm.Expr("COALESCE(?, devices.firmware_version)", u.FirmwareVersion),
			"filesystem_version": gorm.Expr("COALESCE(?, devices.filesystem_version)", u.FilesystemVersion),
			"ip_address":         gorm.Expr("COALESCE(?, devices.ip_address)", u.IPAddress),
			"mac_address":        gorm.Expr("COALESCE(?, devices.mac_address)", u.MACAddress),
			"last_seen":          seenAt,
		}),
	}).Create(&device).Error
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// ListDevices returns all devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) (devices []Device, err error) {
	start := time.Now()
	defer func() { s.observe("list_devices", start, err) }()

	if err := s.db.WithContext(ctx).Order("last_seen DESC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	return devices, nil
}

// LatestTelemetry returns the newest sample per device, or only for deviceID
// when it is non-empty. The newest sample is the one with the highest id.
func (s *Store) LatestTelemetry(ctx context.Context, deviceID string) (rows []LatestSample, err error) {
	start := time.Now()
	defer func() { s.observe("latest_telemetry", start, err) }()

	latest := s.db.Model(&TelemetrySample{}).Select("MAX(id)").Group("device_id")
	if deviceID != "" {
		latest = latest.Where("device_id = ?", deviceID)
	}

	err = s.db.WithContext(ctx).
		Table("telemetry_data AS t").
		Select("t.device_id, d.device_name, t.timestamp, t.temperature, t.humidity, " +
			"t.uptime_seconds, t.free_heap, t.wifi_rssi, t.ms11_connected").
		Joins("JOIN devices d ON d.device_id = t.device_id").
		Where("t.id IN (?)", latest).
		Order("t.timestamp DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query latest telemetry: %w", err)
	}

	return rows, nil
}

// Telemetry returns one device's samples, newest first.
func (s *Store) Telemetry(ctx context.Context, q TelemetryQuery) (samples []TelemetrySample, err error) {
	start := time.Now()
	defer func() { s.observe("telemetry", start, err) }()

	tx := withRange(s.db.WithContext(ctx).Where("device_id = ?", q.DeviceID), "timestamp", q.Range)
	err = tx.Order("timestamp DESC").Limit(q.Limit).Offset(q.Offset).Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}

	return samples, nil
}

// Events returns events joined with the device name, newest first.
func (s *Store) Events(ctx context.Context, q EventQuery) (entries []EventEntry, err error) {
	start := time.Now()
	defer func() { s.observe("events", start, err) }()

	tx := s.db.WithContext(ctx).
		Table("events AS e").
		Select("e.device_id, d.device_name, e.timestamp, e.event_type, e.event_category, e.message, e.details").
		Joins("JOIN devices d ON d.device_id = e.device_id")
	if q.DeviceID != "" {
		tx = tx.Where("e.device_id = ?", q.DeviceID)
	}

	err = tx.Order("e.timestamp DESC").Limit(q.Limit).Offset(q.Offset).Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	return entries, nil
}

// Statistics returns one device's hourly rollups, newest hour first.
func (s *Store) Statistics(ctx context.Context, q StatisticsQuery) (stats []HourlyStatistic, err error) {
	start := time.Now()
	defer func() { s.observe("statistics", start, err) }()

	tx := withRange(s.db.WithContext(ctx).Where("device_id = ?", q.DeviceID), "hour_timestamp", q.Range)
	err = tx.Order("hour_timestamp DESC").Limit(q.Limit).Find(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}

	return stats, nil
}

func withRange(tx *gorm.DB, column string, r TimeRange) *gorm.DB {
	if r.Start != nil {
		tx = tx.Where(column+" >= ?", *r.Start)
	}
	if r.End != nil {
		tx = tx.Where(column+" <= ?", *r.End)
	}
	return tx
}

// ActiveDeviceIDs returns the ids of all active devices.
func (s *Store) ActiveDeviceIDs(ctx context.Context) (ids []string, err error) {
	start := time.Now()
	defer func() { s.observe("active_devices", start, err) }()

	err = s.db.WithContext(ctx).Model(&Device{}).
		Where("is_active = ?", true).
		Order("device_id").
		Pluck("device_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}

	return ids, nil
}

const hourlyAggregates = "COUNT(*) AS sample_count, " +
	"AVG(temperature) AS temp_avg, MIN(temperature) AS temp_min, MAX(temperature) AS temp_max, " +
	"AVG(humidity) AS humidity_avg, MIN(humidity) AS humidity_min, MAX(humidity) AS humidity_max, " +
	"AVG(uptime_seconds)::float8 AS uptime_avg, " +
	"AVG(free_heap)::float8 AS free_heap_avg, " +
	"AVG(wifi_rssi)::float8 AS wifi_rssi_avg"

// ComputeHourly aggregates the samples of one device with a temperature
// reading inside [hourStart, hourStart+1h). A zero SampleCount means there
// was nothing to aggregate.
func (s *Store) ComputeHourly(ctx context.Context, deviceID string, hourStart time.Time) (stat *HourlyStatistic, err error) {
	start := time.Now()
	defer func() { s.observe("compute_hourly", start, err) }()

	var row HourlyStatistic
	err = s.db.WithContext(ctx).Model(&TelemetrySample{}).
		Select(hourlyAggregates).
		Where("device_id = ?", deviceID).
		Where("timestamp >= ? AND timestamp < ?", hourStart, hourStart.Add(time.Hour)).
		Where("temperature IS NOT NULL").
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate telemetry for %s: %w", deviceID, err)
	}

	row.DeviceID = deviceID
	row.HourTimestamp = hourStart

	return &row, nil
}

// UpsertHourly inserts the rollup or overwrites every aggregate of the
// existing row for the same device and hour.
func (s *Store) UpsertHourly(ctx context.Context, stat *HourlyStatistic) (err error) {
	if stat == nil {
		return errors.New("statistic cannot be nil")
	}

	start := time.Now()
	defer func() { s.observe("upsert_hourly", start, err) }()

	row := *stat
	row.ID = 0

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "hour_timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sample_count",
			"temp_avg", "temp_min", "temp_max",
			"humidity_avg", "humidity_min", "humidity_max",
			"uptime_avg", "free_heap_avg", "wifi_rssi_avg",
			"updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert hourly statistic: %w", err)
	}

	return nil
}

func seriesScope(db *gorm.DB, series Series, cutoff time.Time) (*gorm.DB, error) {
	switch series {
	case SeriesTelemetry:
		return db.Model(&TelemetrySample{}).Where("timestamp < ?", cutoff), nil
	case SeriesEvents:
		return db.Model(&Event{}).Where("timestamp < ?", cutoff), nil
	case SeriesStatistics:
		return db.Model(&HourlyStatistic{}).Where("hour_timestamp < ?", cutoff), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, series)
	}
}

// CountOlderThan counts the rows of series strictly older than cutoff.
func (s *Store) CountOlderThan(ctx context.Context, series Series, cutoff time.Time) (count int64, err error) {
	start := time.Now()
	defer func() { s.observe("count_expired", start, err) }()

	scope, err := seriesScope(s.db.WithContext(ctx), series, cutoff)
	if err != nil {
		return 0, err
	}

	if err := scope.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", series, err)
	}

	return count, nil
}

// DeleteOlderThan removes the rows of series strictly older than cutoff and
// returns how many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, series Series, cutoff time.Time) (deleted int64, err error) {
	start := time.Now()
	defer func() { s.observe("delete_expired", start, err) }()

	var result *gorm.DB
	switch series {
	case SeriesTelemetry:
		result = s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&TelemetrySample{})
	case SeriesEvents:
		result = s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Event{})
	case SeriesStatistics:
		result = s.db.WithContext(ctx).Where("hour_timestamp < ?", cutoff).Delete(&HourlyStatistic{})
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSeries, series)
	}

	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", series, result.Error)
	}

	if s.metrics != nil {
		s.metrics.RowsDeleted.WithLabelValues(string(series)).Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// TableStats reports size and estimated row count of the service tables,
// largest first.
func (s *Store) TableStats(ctx context.Context) (stats []TableStat, err error) {
	start := time.Now()
	defer func() { s.observe("table_stats", start, err) }()

	tables := []string{"devices", string(SeriesTelemetry), string(SeriesEvents), string(SeriesStatistics)}

	err = s.db.WithContext(ctx).Raw(`
		SELECT relname AS table_name,
		       pg_total_relation_size(relid) AS size_bytes,
		       n_live_tup AS row_estimate
		FROM pg_stat_user_tables
		WHERE relname IN ?
		ORDER BY pg_total_relation_size(relid) DESC`, tables).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read table statistics: %w", err)
	}

	return stats, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	return nil
}
