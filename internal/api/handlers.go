// Package api provides HTTP handlers for SMSFlow endpoints.
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

// incomingMessageHandler is the simulator-friendly inbound entry point
// (POST /messages/incoming). Twilio traffic arrives through its own
// webhook instead.
func (s *Server) incomingMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.incomingMessageHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From string `json:"from"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.incomingMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: from"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	if err := s.router.HandleInbound(ctx, req.From, req.Body); err != nil {
		slog.Error("Server.incomingMessageHandler: inbound processing failed", "error", err, "from", req.From)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.incomingMessageHandler: message processed", "from", req.From)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
}

// contactsHandler serves POST /contacts, GET /contacts?phone=... and
// GET /contacts/{id}.
func (s *Server) contactsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.contactsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/contacts"), "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		s.createContact(w, r)
	case rest == "" && r.Method == http.MethodGet:
		s.getContactByPhone(w, r)
	case rest != "" && r.Method == http.MethodGet:
		s.getContactByID(w, r, rest)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	var c models.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if c.Phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: phone"))
		return
	}
	phone, err := models.CanonicalizePhone(c.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	c.Phone = phone
	c.Active = true
	id, err := s.st.CreateContact(c)
	if err != nil {
		slog.Error("Server.createContact: failed to create contact", "error", err, "phone", c.Phone)
		writeDomainError(w, err)
		return
	}
	c.ID = id
	slog.Info("Server.createContact: contact created", "id", id, "phone", c.Phone)
	writeJSONResponse(w, http.StatusCreated, models.Success(c))
}

func (s *Server) getContactByPhone(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: phone"))
		return
	}
	if canonical, err := models.CanonicalizePhone(phone); err == nil {
		phone = canonical
	}
	c, err := s.st.GetContactByPhone(phone)
	if err != nil {
		slog.Error("Server.getContactByPhone: lookup failed", "error", err, "phone", phone)
		writeDomainError(w, err)
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrContactNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) getContactByID(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid contact id"))
		return
	}
	c, err := s.st.GetContactByID(id)
	if err != nil {
		slog.Error("Server.getContactByID: lookup failed", "error", err, "id", id)
		writeDomainError(w, err)
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrContactNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// groupsHandler serves POST /groups and POST /groups/{id}/contacts.
func (s *Server) groupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.groupsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/groups"), "/")
	if rest == "" {
		s.createGroup(w, r)
		return
	}
	segments := strings.Split(rest, "/")
	if len(segments) == 2 && segments[1] == "contacts" {
		s.addGroupMember(w, r, segments[0])
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown group endpoint"))
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var g models.Group
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if g.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
		return
	}
	id, err := s.st.CreateGroup(g)
	if err != nil {
		slog.Error("Server.createGroup: failed to create group", "error", err, "name", g.Name)
		writeDomainError(w, err)
		return
	}
	g.ID = id
	slog.Info("Server.createGroup: group created", "id", id, "name", g.Name)
	writeJSONResponse(w, http.StatusCreated, models.Success(g))
}

func (s *Server) addGroupMember(w http.ResponseWriter, r *http.Request, rawID string) {
	groupID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid group id"))
		return
	}
	var req struct {
		ContactID int64 `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.st.AddContactToGroup(groupID, req.ContactID); err != nil {
		slog.Error("Server.addGroupMember: failed to add contact", "error", err, "groupID", groupID, "contactID", req.ContactID)
		writeDomainError(w, err)
		return
	}
	slog.Info("Server.addGroupMember: contact added to group", "groupID", groupID, "contactID", req.ContactID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact added to group", nil))
}
