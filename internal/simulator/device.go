package simulator

import (
	"math"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Device is a simulated sensor node. Identity fields are filled by
// gofakeit; the reading state drifts between calls to Reading.
type Device struct {
	ID         string `fake:"esp32-######"`
	Name       string `fake:"{city} Sensor"`
	MACAddress string `fake:"{macaddress}"`
	IPAddress  string `fake:"{ipv4address}"`
	Firmware   string `fake:"{appversion}"`
	Filesystem string `fake:"fs-####"`

	mu               sync.Mutex
	faker            *gofakeit.Faker
	bootedAt         time.Time
	baselineTemp     float64
	baselineHumidity float64
	noise            float64
	freeHeap         int64
	connected        bool
}

// Reading is one payload as the firmware sends it.
type Reading struct {
	DeviceID          string        `json:"device_id"`
	DeviceName        string        `json:"device_name,omitempty"`
	FirmwareVersion   string        `json:"firmware_version,omitempty"`
	FilesystemVersion string        `json:"filesystem_version,omitempty"`
	IPAddress         string        `json:"ip_address,omitempty"`
	MACAddress        string        `json:"mac_address,omitempty"`
	Timestamp         string        `json:"timestamp"`
	Temperature       float64       `json:"temperature"`
	Humidity          float64       `json:"humidity"`
	UptimeSeconds     int64         `json:"uptime_seconds"`
	FreeHeap          int64         `json:"free_heap"`
	WifiRSSI          int64         `json:"wifi_rssi"`
	Connected         bool          `json:"ms11_connected"`
	Event             *ReadingEvent `json:"event,omitempty"`
}

// ReadingEvent is the optional event attached to a reading.
type ReadingEvent struct {
	Type     string         `json:"type"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

const (
	minFreeHeap = 12 * 1024
	maxFreeHeap = 180 * 1024
)

// NewDevice creates a device with fake identity and random baselines.
func NewDevice(faker *gofakeit.Faker, now time.Time) (*Device, error) {
	d := &Device{}
	if err := faker.Struct(d); err != nil {
		return nil, err
	}

	d.faker = faker
	d.bootedAt = now.Add(-time.Duration(faker.IntRange(60, 72*3600)) * time.Second)
	d.baselineTemp = faker.Float64Range(18, 26)
	d.baselineHumidity = faker.Float64Range(35, 60)
	d.noise = faker.Float64Range(0.2, 1.5)
	d.freeHeap = int64(faker.IntRange(90*1024, 160*1024))
	d.connected = true

	return d, nil
}

// Reading produces the next sample at t. With probability eventRate an
// event is attached. A change in the MS11 link always produces one.
func (d *Device) Reading(t time.Time, eventRate float64) Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.faker
	temp := d.temperature(t)

	r := Reading{
		DeviceID:          d.ID,
		DeviceName:        d.Name,
		FirmwareVersion:   d.Firmware,
		FilesystemVersion: d.Filesystem,
		IPAddress:         d.IPAddress,
		MACAddress:        d.MACAddress,
		Timestamp:         t.UTC().Format(time.RFC3339),
		Temperature:       round(temp, 2),
		Humidity:          round(d.humidity(t, temp), 2),
		UptimeSeconds:     int64(t.Sub(d.bootedAt).Seconds()),
		FreeHeap:          d.nextHeap(),
		WifiRSSI:          int64(f.IntRange(-88, -42)),
	}

	wasConnected := d.connected
	// the link drops rarely and recovers quickly
	if d.connected {
		d.connected = f.Float64() >= 0.02
	} else {
		d.connected = f.Float64() < 0.5
	}
	r.Connected = d.connected

	switch {
	case wasConnected && !d.connected:
		r.Event = &ReadingEvent{Type: "warning", Category: "ms11", Message: "MS11 link lost"}
	case !wasConnected && d.connected:
		r.Event = &ReadingEvent{Type: "info", Category: "ms11", Message: "MS11 link restored"}
	case f.Float64() < eventRate:
		r.Event = d.randomEvent(r)
	}

	return r
}

// temperature follows a daily cycle peaking mid afternoon.
func (d *Device) temperature(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	daily := 3 * math.Sin((hour-9)*math.Pi/12)
	return d.baselineTemp + daily + (d.faker.Float64()-0.5)*d.noise
}

// humidity moves against temperature and stays within sensor bounds.
func (d *Device) humidity(t time.Time, temp float64) float64 {
	hour := float64(t.Hour())
	daily := -4 * math.Sin((hour-9)*math.Pi/12)
	h := d.baselineHumidity + daily - (temp-d.baselineTemp)*1.5 + (d.faker.Float64()-0.5)*d.noise
	return math.Max(5, math.Min(95, h))
}

func (d *Device) nextHeap() int64 {
	d.freeHeap += int64(d.faker.IntRange(-2048, 2048))
	d.freeHeap = max(minFreeHeap, min(maxFreeHeap, d.freeHeap))
	return d.freeHeap
}

func (d *Device) randomEvent(r Reading) *ReadingEvent {
	switch d.faker.IntN(3) {
	case 0:
		return &ReadingEvent{
			Type:     "warning",
			Category: "memory",
			Message:  "Low free heap",
			Details:  map[string]any{"free_heap": r.FreeHeap},
		}
	case 1:
		return &ReadingEvent{
			Type:     "info",
			Category: "wifi",
			Message:  "Signal strength changed",
			Details:  map[string]any{"rssi": r.WifiRSSI},
		}
	default:
		return &ReadingEvent{
			Type:     "info",
			Category: "general",
			Message:  "Heartbeat",
			Details:  map[string]any{"uptime_seconds": r.UptimeSeconds},
		}
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
