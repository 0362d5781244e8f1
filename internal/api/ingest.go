package api

import (
	"errors"
	"io"
	"net/http"

	"procodus.dev/telemetry/internal/ingest"
)

// maxBodyBytes bounds an ingestion request body.
const maxBodyBytes = 1 << 20

type ingestResponse struct {
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
	Success  bool   `json:"success"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	cors(w, "POST, OPTIONS", "Content-Type, X-API-Key")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		writeError(w, s.logger, http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	logger := s.requestLogger(r)

	label, err := s.service.Authorize(ingest.SourceHTTP, r.Header.Get("X-API-Key"))
	if err != nil {
		logger.Warn("rejected ingest request", "remote_ip", remoteIP(r))
		writeError(w, logger, http.StatusUnauthorized, msgUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Warn("failed to read request body", "error", err)
		writeError(w, logger, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	payload, err := ingest.DecodeJSON(body)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	deviceID, err := s.service.Ingest(r.Context(), ingest.Input{
		Payload:  payload,
		Source:   ingest.SourceHTTP,
		Label:    label,
		RemoteIP: remoteIP(r),
	})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrMissingDeviceID):
		writeError(w, logger, http.StatusBadRequest, msgMissingDeviceID)
		return
	case errors.Is(err, ingest.ErrInvalidField), errors.Is(err, ingest.ErrInvalidJSON):
		writeError(w, logger, http.StatusBadRequest, err.Error())
		return
	default:
		// the service already logged the cause
		writeError(w, logger, http.StatusInternalServerError, msgDatabaseError)
		return
	}

	writeJSON(w, logger, http.StatusCreated, ingestResponse{
		Success:  true,
		Message:  "Data received successfully",
		DeviceID: deviceID,
	})
}
