package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Fixed client-facing error messages.
const (
	msgMethodNotAllowed = "Method not allowed"
	msgUnauthorized     = "Unauthorized - Invalid API key"
	msgInvalidJSON      = "Invalid JSON"
	msgMissingDeviceID  = "Missing required field: device_id"
	msgDatabaseError    = "Database error occurred"
	msgInvalidAction    = "Invalid action specified"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, errorResponse{Error: msg})
}

// cors sets the headers browsers need to call an endpoint from any origin.
func cors(w http.ResponseWriter, methods, headers string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", methods)
	h.Set("Access-Control-Allow-Headers", headers)
}

// remoteIP strips the port from r.RemoteAddr. After middleware.RealIP the
// address may already be a bare IP.
func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
