// Package store persists devices, telemetry samples, events and hourly
// statistics to PostgreSQL.
package store

import (
	"time"

	"gorm.io/datatypes"
)

// Device represents a registered device. Rows are created or touched by every
// ingestion call and are never deleted by normal operation.
type Device struct {
	FirstSeen         time.Time         `gorm:"not null" json:"first_seen"`
	LastSeen          time.Time         `gorm:"index:idx_devices_last_seen;not null" json:"last_seen"`
	DeviceName        *string           `gorm:"size:100" json:"device_name"`
	FirmwareVersion   *string           `gorm:"size:50" json:"firmware_version"`
	FilesystemVersion *string           `gorm:"size:50" json:"filesystem_version"`
	IPAddress         *string           `gorm:"size:45" json:"ip_address"`
	MACAddress        *string           `gorm:"size:17" json:"mac_address"`
	DeviceID          string            `gorm:"size:64;uniqueIndex;not null" json:"device_id"`
	ID                uint              `gorm:"primaryKey" json:"-"`
	IsActive          bool              `gorm:"not null;default:true;index" json:"is_active"`
	Samples           []TelemetrySample `gorm:"foreignKey:DeviceID;references:DeviceID" json:"-"`
	Events            []Event           `gorm:"foreignKey:DeviceID;references:DeviceID" json:"-"`
	Statistics        []HourlyStatistic `gorm:"foreignKey:DeviceID;references:DeviceID" json:"-"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// TelemetrySample is one timestamped measurement snapshot from a device.
// Every measurement is nullable because devices omit what they cannot read.
type TelemetrySample struct {
	Timestamp     time.Time      `gorm:"index:idx_telemetry_device_ts,priority:2;index:idx_telemetry_ts;not null" json:"timestamp"`
	Temperature   *float64       `json:"temperature"`
	Humidity      *float64       `json:"humidity"`
	UptimeSeconds *int64         `json:"uptime_seconds"`
	FreeHeap      *int64         `json:"free_heap"`
	WifiRSSI      *int64         `gorm:"column:wifi_rssi" json:"wifi_rssi"`
	Connected     *bool          `gorm:"column:ms11_connected" json:"ms11_connected"`
	ExtraData     datatypes.JSON `gorm:"type:jsonb" json:"extra_data,omitempty"`
	DeviceID      string         `gorm:"size:64;index:idx_telemetry_device_ts,priority:1;not null" json:"device_id"`
	ID            uint64         `gorm:"primaryKey" json:"-"`
}

// TableName specifies the table name for TelemetrySample model.
func (TelemetrySample) TableName() string {
	return "telemetry_data"
}

// Event is a discrete occurrence reported by a device.
type Event struct {
	Timestamp     time.Time      `gorm:"index:idx_events_device_ts,priority:2;index:idx_events_ts;not null" json:"timestamp"`
	Details       datatypes.JSON `gorm:"type:jsonb" json:"details"`
	DeviceID      string         `gorm:"size:64;index:idx_events_device_ts,priority:1;not null" json:"device_id"`
	EventType     string         `gorm:"size:20;not null;default:info;index" json:"event_type"`
	EventCategory string         `gorm:"size:50;not null;default:general;index" json:"event_category"`
	Message       string         `gorm:"type:text" json:"message"`
	ID            uint64         `gorm:"primaryKey" json:"-"`
}

// TableName specifies the table name for Event model.
func (Event) TableName() string {
	return "events"
}

// HourlyStatistic is the rollup of one device's samples over one hour.
type HourlyStatistic struct {
	HourTimestamp time.Time `gorm:"uniqueIndex:idx_statistics_device_hour,priority:2;index:idx_statistics_hour;not null" json:"hour_timestamp"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"-"`
	TempAvg       *float64  `json:"temp_avg"`
	TempMin       *float64  `json:"temp_min"`
	TempMax       *float64  `json:"temp_max"`
	HumidityAvg   *float64  `json:"humidity_avg"`
	HumidityMin   *float64  `json:"humidity_min"`
	HumidityMax   *float64  `json:"humidity_max"`
	UptimeAvg     *float64  `json:"uptime_avg"`
	FreeHeapAvg   *float64  `json:"free_heap_avg"`
	WifiRSSIAvg   *float64  `gorm:"column:wifi_rssi_avg" json:"wifi_rssi_avg"`
	DeviceID      string    `gorm:"size:64;uniqueIndex:idx_statistics_device_hour,priority:1;not null" json:"-"`
	SampleCount   int64     `gorm:"not null" json:"sample_count"`
	ID            uint64    `gorm:"primaryKey" json:"-"`
}

// TableName specifies the table name for HourlyStatistic model.
func (HourlyStatistic) TableName() string {
	return "statistics_hourly"
}

// LatestSample is the most recent telemetry sample of a device joined with
// the device's display name.
type LatestSample struct {
	Timestamp     time.Time `json:"timestamp"`
	DeviceName    *string   `json:"device_name"`
	Temperature   *float64  `json:"temperature"`
	Humidity      *float64  `json:"humidity"`
	UptimeSeconds *int64    `json:"uptime_seconds"`
	FreeHeap      *int64    `json:"free_heap"`
	WifiRSSI      *int64    `gorm:"column:wifi_rssi" json:"wifi_rssi"`
	Connected     *bool     `gorm:"column:ms11_connected" json:"ms11_connected"`
	DeviceID      string    `json:"device_id"`
}

// EventEntry is an event joined with the reporting device's display name.
type EventEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	DeviceName    *string        `json:"device_name"`
	Details       datatypes.JSON `json:"details"`
	DeviceID      string         `json:"device_id"`
	EventType     string         `json:"event_type"`
	EventCategory string         `json:"event_category"`
	Message       string         `json:"message"`
}

// TableStat describes the on-disk footprint of one table.
type TableStat struct {
	Table     string `gorm:"column:table_name" json:"table"`
	SizeBytes int64  `json:"size_bytes"`
	Rows      int64  `gorm:"column:row_estimate" json:"rows"`
}

// RetentionCounts holds per-store row counts for a retention pass.
type RetentionCounts struct {
	Telemetry  int64 `json:"telemetry"`
	Events     int64 `json:"events"`
	Statistics int64 `json:"statistics"`
}

// Total returns the sum over all stores.
func (c RetentionCounts) Total() int64 {
	return c.Telemetry + c.Events + c.Statistics
}

// Field returns the counter for series. Unknown series get a detached
// counter.
func (c *RetentionCounts) Field(series Series) *int64 {
	switch series {
	case SeriesTelemetry:
		return &c.Telemetry
	case SeriesEvents:
		return &c.Events
	case SeriesStatistics:
		return &c.Statistics
	default:
		return new(int64)
	}
}
