// Package api provides HTTP handlers for agent and chat session management.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// agentsHandler dispatches the /agents routes:
//
//	POST /agents                      register an agent
//	PUT  /agents/{id}/availability    set availability
//	GET  /agents/{id}/stats           session stats
func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.agentsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/agents"), "/")
	if rest == "" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.addAgentHandler(w, r)
		return
	}

	segments := strings.Split(rest, "/")
	agentID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid agent id"))
		return
	}
	if len(segments) != 2 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown agent endpoint"))
		return
	}
	switch segments[1] {
	case "availability":
		s.agentAvailabilityHandler(w, r, agentID)
	case "stats":
		s.agentStatsHandler(w, r, agentID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown agent endpoint"))
	}
}

func (s *Server) addAgentHandler(w http.ResponseWriter, r *http.Request) {
	var a models.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	a.IsActive = true
	id, err := s.broker.AddAgent(a)
	if err != nil {
		slog.Warn("Server.addAgentHandler: failed to add agent", "error", err, "phone", a.Phone)
		writeDomainError(w, err)
		return
	}
	a.ID = id
	slog.Info("Server.addAgentHandler: agent registered", "id", id, "phone", a.Phone)
	writeJSONResponse(w, http.StatusCreated, models.Success(a))
}

func (s *Server) agentAvailabilityHandler(w http.ResponseWriter, r *http.Request, agentID int64) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	if err := s.broker.UpdateAgentAvailability(ctx, agentID, req.Available); err != nil {
		slog.Error("Server.agentAvailabilityHandler: update failed", "error", err, "agentID", agentID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.agentAvailabilityHandler: availability updated", "agentID", agentID, "available", req.Available)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Agent availability updated", nil))
}

func (s *Server) agentStatsHandler(w http.ResponseWriter, r *http.Request, agentID int64) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.broker.GetAgentStats(agentID)
	if err != nil {
		slog.Error("Server.agentStatsHandler: stats failed", "error", err, "agentID", agentID)
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// sessionsHandler serves DELETE /sessions/{key}, the administrative way to
// end a chat session. The request body may carry an optional terminal
// reason; an empty body ends the session with reason ended.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sessionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionKey := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions"), "/")
	if sessionKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing session key"))
		return
	}
	reason := models.SessionStatusEnded
	var req struct {
		Reason models.SessionStatus `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
		if !models.IsValidSessionStatus(req.Reason) || req.Reason == models.SessionStatusActive {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid session end reason"))
			return
		}
		reason = req.Reason
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	if err := s.broker.EndSession(ctx, sessionKey, reason); err != nil {
		slog.Error("Server.sessionsHandler: end failed", "error", err, "sessionKey", sessionKey)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.sessionsHandler: session ended", "sessionKey", sessionKey)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", nil))
}
