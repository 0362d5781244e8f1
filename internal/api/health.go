package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady reports whether the database answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.requestLogger(r).Warn("readiness check failed", "error", err)
		writeJSON(w, s.logger, http.StatusServiceUnavailable, healthResponse{
			Status: "unavailable",
			Error:  "database unreachable",
		})
		return
	}

	writeJSON(w, s.logger, http.StatusOK, healthResponse{Status: "ready"})
}
