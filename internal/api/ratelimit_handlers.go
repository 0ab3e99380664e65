// Package api provides HTTP handlers for rate limit inspection.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// rateLimitsHandler serves GET /ratelimits/{phone}: per-window usage for
// one phone plus the system-wide counters.
func (s *Server) rateLimitsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.rateLimitsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ratelimits"), "/")
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing phone"))
		return
	}
	status, err := s.limiter.Status(phone)
	if err != nil {
		slog.Error("Server.rateLimitsHandler: status failed", "error", err, "phone", phone)
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// rateLimitReloadHandler serves POST /ratelimits/reload: re-reads the
// rate-limit configuration from settings storage.
func (s *Server) rateLimitReloadHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.rateLimitReloadHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.limiter.Reload(); err != nil {
		slog.Error("Server.rateLimitReloadHandler: reload failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reload rate limit config"))
		return
	}
	cfg := s.limiter.Config()
	slog.Info("Server.rateLimitReloadHandler: rate limit config reloaded")
	writeJSONResponse(w, http.StatusOK, models.Success(cfg))
}
