package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"procodus.dev/telemetry/internal/store"
)

// Query actions.
const (
	actionListDevices = "list_devices"
	actionLatestData  = "latest_data"
	actionTelemetry   = "telemetry"
	actionEvents      = "events"
	actionStatistics  = "statistics"
)

var errInvalidAction = errors.New("invalid action")

type devicesResponse struct {
	Devices []store.Device `json:"devices"`
	Count   int            `json:"count"`
	Success bool           `json:"success"`
}

type latestResponse struct {
	Data    []store.LatestSample `json:"data"`
	Count   int                  `json:"count"`
	Success bool                 `json:"success"`
}

type telemetryResponse struct {
	DeviceID string                  `json:"device_id"`
	Data     []store.TelemetrySample `json:"data"`
	Count    int                     `json:"count"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
	Success  bool                    `json:"success"`
}

type eventsResponse struct {
	Events  []store.EventEntry `json:"events"`
	Count   int                `json:"count"`
	Success bool               `json:"success"`
}

type statisticsResponse struct {
	DeviceID   string                  `json:"device_id"`
	Statistics []store.HourlyStatistic `json:"statistics"`
	Count      int                     `json:"count"`
	Success    bool                    `json:"success"`
}

// queryFunc serves one action and returns the response envelope.
type queryFunc func(r *http.Request, q url.Values) (any, error)

func (s *Server) queryActions() map[string]queryFunc {
	return map[string]queryFunc{
		actionListDevices: s.queryListDevices,
		actionLatestData:  s.queryLatestData,
		actionTelemetry:   s.queryTelemetry,
		actionEvents:      s.queryEvents,
		actionStatistics:  s.queryStatistics,
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	cors(w, "GET, OPTIONS", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		writeError(w, s.logger, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	logger := s.requestLogger(r)
	q := r.URL.Query()

	action := strings.TrimSpace(q.Get("action"))
	if action == "" {
		action = actionListDevices
	}

	serve, ok := s.actions[action]
	if !ok {
		logger.Debug("rejected query", "action", action, "error", errInvalidAction)
		writeError(w, logger, http.StatusBadRequest, msgInvalidAction)
		return
	}

	resp, err := serve(r, q)

	var missing *missingParamError
	var badParam *paramError
	switch {
	case err == nil:
		writeJSON(w, logger, http.StatusOK, resp)
	case errors.As(err, &missing):
		writeError(w, logger, http.StatusBadRequest, missing.param+" is required for "+missing.action+" action")
	case errors.As(err, &badParam):
		writeError(w, logger, http.StatusBadRequest, "Invalid "+badParam.param+" parameter")
	default:
		logger.Error("query failed", "action", action, "error", err)
		writeError(w, logger, http.StatusInternalServerError, msgDatabaseError)
	}
}

// missingParamError reports a parameter an action cannot run without.
type missingParamError struct {
	param  string
	action string
}

func (e *missingParamError) Error() string {
	return e.param + " is required for " + e.action
}

func requireDeviceID(q url.Values, action string) (string, error) {
	id := strings.TrimSpace(q.Get("device_id"))
	if id == "" {
		return "", &missingParamError{param: "device_id", action: action}
	}
	return id, nil
}

func (s *Server) queryListDevices(r *http.Request, _ url.Values) (any, error) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []store.Device{}
	}

	return devicesResponse{Success: true, Devices: devices, Count: len(devices)}, nil
}

func (s *Server) queryLatestData(r *http.Request, q url.Values) (any, error) {
	rows, err := s.store.LatestTelemetry(r.Context(), strings.TrimSpace(q.Get("device_id")))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []store.LatestSample{}
	}

	return latestResponse{Success: true, Data: rows, Count: len(rows)}, nil
}

func (s *Server) queryTelemetry(r *http.Request, q url.Values) (any, error) {
	id, err := requireDeviceID(q, actionTelemetry)
	if err != nil {
		return nil, err
	}

	window, err := timeRange(q, s.loc, false)
	if err != nil {
		return nil, err
	}

	query := store.TelemetryQuery{
		DeviceID: id,
		Range:    window,
		Limit:    pageLimit(q),
		Offset:   pageOffset(q),
	}

	samples, err := s.store.Telemetry(r.Context(), query)
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []store.TelemetrySample{}
	}

	return telemetryResponse{
		Success:  true,
		DeviceID: id,
		Data:     samples,
		Count:    len(samples),
		Limit:    query.Limit,
		Offset:   query.Offset,
	}, nil
}

func (s *Server) queryEvents(r *http.Request, q url.Values) (any, error) {
	entries, err := s.store.Events(r.Context(), store.EventQuery{
		DeviceID: strings.TrimSpace(q.Get("device_id")),
		Limit:    pageLimit(q),
		Offset:   pageOffset(q),
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.EventEntry{}
	}

	return eventsResponse{Success: true, Events: entries, Count: len(entries)}, nil
}

func (s *Server) queryStatistics(r *http.Request, q url.Values) (any, error) {
	id, err := requireDeviceID(q, actionStatistics)
	if err != nil {
		return nil, err
	}

	window, err := timeRange(q, s.loc, true)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.Statistics(r.Context(), store.StatisticsQuery{
		DeviceID: id,
		Range:    window,
		Limit:    pageLimit(q),
	})
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []store.HourlyStatistic{}
	}

	return statisticsResponse{Success: true, DeviceID: id, Statistics: stats, Count: len(stats)}, nil
}
