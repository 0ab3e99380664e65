// Package api provides HTTP handlers for program management.
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

// programsHandler dispatches the /programs routes:
//
//	POST /programs                   create
//	PUT  /programs/{id}              update
//	POST /programs/{id}/assign       assign to contacts and groups
//	POST /programs/{id}/pause        pause (all states or one contact)
//	POST /programs/{id}/resume       resume
//	POST /programs/{id}/reset        reset one contact's state
//	GET  /programs/{id}/stats        engagement stats
func (s *Server) programsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.programsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/programs"), "/")
	if rest == "" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.createProgramHandler(w, r)
		return
	}

	segments := strings.Split(rest, "/")
	programID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid program id"))
		return
	}
	if len(segments) == 1 {
		if r.Method != http.MethodPut {
			w.Header().Set("Allow", http.MethodPut)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.updateProgramHandler(w, r, programID)
		return
	}
	if len(segments) != 2 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown program endpoint"))
		return
	}
	switch segments[1] {
	case "assign":
		s.assignProgramHandler(w, r, programID)
	case "pause":
		s.pauseProgramHandler(w, r, programID)
	case "resume":
		s.resumeProgramHandler(w, r, programID)
	case "reset":
		s.resetProgramHandler(w, r, programID)
	case "stats":
		s.programStatsHandler(w, r, programID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown program endpoint"))
	}
}

func (s *Server) createProgramHandler(w http.ResponseWriter, r *http.Request) {
	var p models.ProgramDefinition
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	id, err := s.engine.CreateProgram(p)
	if err != nil {
		slog.Warn("Server.createProgramHandler: create failed", "error", err, "name", p.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	p.ID = id
	slog.Info("Server.createProgramHandler: program created", "id", id, "name", p.Name)
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

func (s *Server) updateProgramHandler(w http.ResponseWriter, r *http.Request, programID int64) {
	var p models.ProgramDefinition
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p.ID = programID
	if err := s.engine.UpdateProgram(p); err != nil {
		slog.Warn("Server.updateProgramHandler: update failed", "error", err, "id", programID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.updateProgramHandler: program updated", "id", programID)
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) assignProgramHandler(w http.ResponseWriter, r *http.Request, programID int64) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ContactIDs []int64 `json:"contact_ids"`
		GroupIDs   []int64 `json:"group_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	assigned, err := s.engine.AssignProgram(ctx, programID, req.ContactIDs, req.GroupIDs)
	if err != nil {
		slog.Error("Server.assignProgramHandler: assignment failed", "error", err, "programID", programID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.assignProgramHandler: program assigned", "programID", programID, "assigned", assigned)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Program assigned",
		map[string]interface{}{"assigned": assigned}))
}

// pauseTarget reads the optional contact scope of a pause/resume request.
// A missing or null contact_id targets every state of the program.
func pauseTarget(r *http.Request) (*int64, error) {
	var req struct {
		ContactID *int64 `json:"contact_id"`
	}
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return req.ContactID, nil
}

func (s *Server) pauseProgramHandler(w http.ResponseWriter, r *http.Request, programID int64) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	contactID, err := pauseTarget(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.engine.PauseProgram(programID, contactID); err != nil {
		slog.Error("Server.pauseProgramHandler: pause failed", "error", err, "programID", programID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.pauseProgramHandler: program paused", "programID", programID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Program paused", nil))
}

func (s *Server) resumeProgramHandler(w http.ResponseWriter, r *http.Request, programID int64) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	contactID, err := pauseTarget(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	if err := s.engine.ResumeProgram(ctx, programID, contactID); err != nil {
		slog.Error("Server.resumeProgramHandler: resume failed", "error", err, "programID", programID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.resumeProgramHandler: program resumed", "programID", programID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Program resumed", nil))
}

func (s *Server) resetProgramHandler(w http.ResponseWriter, r *http.Request, programID int64) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ContactID int64 `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.engine.ResetProgramState(programID, req.ContactID); err != nil {
		slog.Error("Server.resetProgramHandler: reset failed", "error", err, "programID", programID, "contactID", req.ContactID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.resetProgramHandler: program state reset", "programID", programID, "contactID", req.ContactID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Program state reset", nil))
}

func (s *Server) programStatsHandler(w http.ResponseWriter, r *http.Request, programID int64) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.engine.GetProgramStats(programID)
	if err != nil {
		slog.Error("Server.programStatsHandler: stats failed", "error", err, "programID", programID)
		writeDomainError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
