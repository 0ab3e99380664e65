// Package api provides HTTP handlers for broadcast management.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// broadcastsHandler dispatches the /broadcasts routes:
//
//	POST   /broadcasts               create (immediate or scheduled)
//	DELETE /broadcasts/{id}          cancel
//	GET    /broadcasts/{id}/stats    live recipient stats
func (s *Server) broadcastsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.broadcastsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/broadcasts"), "/")
	if rest == "" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.createBroadcastHandler(w, r)
		return
	}

	segments := strings.Split(rest, "/")
	broadcastID := segments[0]
	switch {
	case len(segments) == 1 && r.Method == http.MethodDelete:
		s.cancelBroadcastHandler(w, r, broadcastID)
	case len(segments) == 2 && segments[1] == "stats" && r.Method == http.MethodGet:
		s.broadcastStatsHandler(w, r, broadcastID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown broadcast endpoint"))
	}
}

func (s *Server) createBroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var b models.Broadcast
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	created, err := s.dispatcher.CreateBroadcast(ctx, b)
	if err != nil {
		slog.Warn("Server.createBroadcastHandler: create failed", "error", err, "name", b.Name)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.createBroadcastHandler: broadcast created", "id", created.ID, "recipients", created.RecipientCount)
	writeJSONResponse(w, http.StatusCreated, models.Success(created))
}

func (s *Server) cancelBroadcastHandler(w http.ResponseWriter, r *http.Request, broadcastID string) {
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	cancelled, err := s.dispatcher.CancelBroadcast(ctx, broadcastID)
	if err != nil {
		slog.Warn("Server.cancelBroadcastHandler: cancel failed", "error", err, "id", broadcastID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.cancelBroadcastHandler: broadcast cancelled", "id", broadcastID)
	writeJSONResponse(w, http.StatusOK, models.Success(cancelled))
}

func (s *Server) broadcastStatsHandler(w http.ResponseWriter, r *http.Request, broadcastID string) {
	stats, err := s.dispatcher.GetBroadcastStats(broadcastID)
	if err != nil {
		slog.Error("Server.broadcastStatsHandler: stats failed", "error", err, "id", broadcastID)
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
