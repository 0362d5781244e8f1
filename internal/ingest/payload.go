package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload is one decoded device report. Values are those produced by a
// json.Decoder with UseNumber, or by structpb.Struct.AsMap.
type Payload map[string]any

// Field names understood by the ingestion service. Everything else is kept
// verbatim in the sample's extra data.
const (
	fieldDeviceID          = "device_id"
	fieldDeviceName        = "device_name"
	fieldFirmwareVersion   = "firmware_version"
	fieldFilesystemVersion = "filesystem_version"
	fieldIPAddress         = "ip_address"
	fieldMACAddress        = "mac_address"
	fieldTimestamp         = "timestamp"
	fieldTemperature       = "temperature"
	fieldHumidity          = "humidity"
	fieldUptimeSeconds     = "uptime_seconds"
	fieldFreeHeap          = "free_heap"
	fieldWifiRSSI          = "wifi_rssi"
	fieldConnected         = "ms11_connected"
	fieldEvent             = "event"
)

var knownFields = map[string]struct{}{
	fieldDeviceID:          {},
	fieldDeviceName:        {},
	fieldFirmwareVersion:   {},
	fieldFilesystemVersion: {},
	fieldIPAddress:         {},
	fieldMACAddress:        {},
	fieldTimestamp:         {},
	fieldTemperature:       {},
	fieldHumidity:          {},
	fieldUptimeSeconds:     {},
	fieldFreeHeap:          {},
	fieldWifiRSSI:          {},
	fieldConnected:         {},
	fieldEvent:             {},
}

// Column widths of the device and event string attributes.
var maxLengths = map[string]int{
	fieldDeviceID:          64,
	fieldDeviceName:        100,
	fieldFirmwareVersion:   50,
	fieldFilesystemVersion: 50,
	fieldIPAddress:         45,
	fieldMACAddress:        17,
	"event.type":           20,
	"event.category":       50,
}

// DecodeJSON parses a request or message body. Anything but a single JSON
// object is ErrInvalidJSON.
func DecodeJSON(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrInvalidJSON)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidJSON)
	}

	return p, nil
}

// DecodeProto parses a binary google.protobuf.Struct.
func DecodeProto(body []byte) (Payload, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	return Payload(s.AsMap()), nil
}

func invalidField(name string, v any) error {
	return fmt.Errorf("%w: %s (got %T)", ErrInvalidField, name, v)
}

// PostgreSQL text and jsonb columns cannot hold NUL.
func nulField(name string) error {
	return fmt.Errorf("%w: %s contains a NUL character", ErrInvalidField, name)
}

// hasNUL reports whether a decoded JSON value holds NUL in any string or
// object key.
func hasNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case map[string]any:
		for k, e := range t {
			if strings.ContainsRune(k, 0) || hasNUL(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if hasNUL(e) {
				return true
			}
		}
	}
	return false
}

// deviceID extracts the required identifier. Numbers are accepted and
// rendered without exponent.
func (p Payload) deviceID() (string, error) {
	var id string
	switch v := p[fieldDeviceID].(type) {
	case string:
		id = strings.TrimSpace(v)
	case json.Number:
		id = v.String()
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	}

	if id == "" {
		return "", ErrMissingDeviceID
	}
	if strings.ContainsRune(id, 0) {
		return "", nulField(fieldDeviceID)
	}
	if len(id) > maxLengths[fieldDeviceID] {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidField, fieldDeviceID, maxLengths[fieldDeviceID])
	}

	return id, nil
}

// str returns a bounded string attribute. Absent, null and blank values
// are nil.
func str(name string, v any) (*string, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = strings.TrimSpace(t)
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return nil, invalidField(name, v)
	}

	if s == "" {
		return nil, nil
	}
	if strings.ContainsRune(s, 0) {
		return nil, nulField(name)
	}
	if limit, ok := maxLengths[name]; ok && len(s) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidField, name, limit)
	}

	return &s, nil
}

func float(name string, v any) (*float64, error) {
	var f float64
	var err error

	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		f, err = t.Float64()
	case float64:
		f = t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return nil, invalidField(name, v)
	}

	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, invalidField(name, v)
	}

	return &f, nil
}

// integer accepts whole numbers and truncates fractional ones.
func integer(name string, v any) (*int64, error) {
	f, err := float(name, v)
	if err != nil || f == nil {
		return nil, err
	}

	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if *f >= 0x1p63 || *f < -0x1p63 {
		return nil, invalidField(name, v)
	}

	n := int64(*f)
	return &n, nil
}

func boolean(name string, v any) (*bool, error) {
	var b bool

	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		b = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, invalidField(name, v)
		}
		b = f != 0
	case float64:
		b = t != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, invalidField(name, v)
		}
		b = parsed
	default:
		return nil, invalidField(name, v)
	}

	return &b, nil
}

// extra collects every unknown key. It returns nil when there are none.
func (p Payload) extra() ([]byte, error) {
	rest := make(map[string]any)
	for k, v := range p {
		if _, known := knownFields[k]; !known {
			rest[k] = v
		}
	}

	if len(rest) == 0 {
		return nil, nil
	}
	if hasNUL(rest) {
		return nil, nulField("extra data")
	}

	raw, err := json.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: extra data: %w", ErrInvalidField, err)
	}
	return raw, nil
}
