package ingest

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var errUnparseableTimestamp = errors.New("unparseable timestamp")

// Layouts without a zone are interpreted in the configured location.
var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp interprets a device supplied timestamp: RFC 3339 with or
// without fractional seconds, one of localLayouts, or Unix seconds given as
// a number or numeric string.
func ParseTimestamp(v any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, errUnparseableTimestamp
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(t)
	case string:
		return parseTimestampString(strings.TrimSpace(t), loc)
	default:
		return time.Time{}, errUnparseableTimestamp
	}
}

func parseTimestampString(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errUnparseableTimestamp
	}

	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}

	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts.UTC(), nil
		}
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}

	return time.Time{}, errUnparseableTimestamp
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32*4 {
		return time.Time{}, errUnparseableTimestamp
	}

	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
