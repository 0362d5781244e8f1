package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"procodus.dev/telemetry/internal/ingest"
	"procodus.dev/telemetry/internal/jobs"
	"procodus.dev/telemetry/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// paramError names a query parameter that could not be parsed.
type paramError struct {
	param string
}

func (e *paramError) Error() string {
	return "invalid " + e.param + " parameter"
}

// pageLimit reads "limit": non-numeric or non-positive values fall back
// to the default, large values are capped.
func pageLimit(q url.Values) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

// pageOffset reads "offset": non-numeric or negative values become zero.
func pageOffset(q url.Values) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get("offset")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// timeRange reads the optional "start" and "end" parameters. With hourly
// set both bounds are truncated to the start of their hour in loc.
func timeRange(q url.Values, loc *time.Location, hourly bool) (store.TimeRange, error) {
	var r store.TimeRange

	for _, p := range []struct {
		dst  **time.Time
		name string
	}{
		{&r.Start, "start"},
		{&r.End, "end"},
	} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}

		ts, err := ingest.ParseTimestamp(raw, loc)
		if err != nil {
			return store.TimeRange{}, fmt.Errorf("%w: %w", &paramError{param: p.name}, err)
		}
		if hourly {
			ts = truncateHour(ts, loc)
		}
		*p.dst = &ts
	}

	return r, nil
}

// truncateHour returns the start of the hour containing t in loc, in UTC.
func truncateHour(t time.Time, loc *time.Location) time.Time {
	return jobs.HourStart(t, loc).UTC()
}
