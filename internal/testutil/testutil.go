// Package testutil provides common test utilities and helpers for SMSFlow tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SMSFlowHQ/SMSFlow/internal/agent"
	"github.com/SMSFlowHQ/SMSFlow/internal/api"
	"github.com/SMSFlowHQ/SMSFlow/internal/broadcast"
	"github.com/SMSFlowHQ/SMSFlow/internal/messaging"
	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/program"
	"github.com/SMSFlowHQ/SMSFlow/internal/ratelimit"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

// Stack is a fully wired in-memory SMSFlow instance for integration tests.
// Outbound traffic lands in Simulator; inbound traffic goes through Router.
type Stack struct {
	Store      *store.InMemoryStore
	Simulator  *messaging.SimulatorService
	Limiter    *ratelimit.Limiter
	Gateway    *messaging.Gateway
	Engine     *program.Engine
	Broker     *agent.Broker
	Dispatcher *broadcast.Dispatcher
	Router     *messaging.Router
	Server     *api.Server
}

// NewStack wires the full orchestration stack over the in-memory store and
// the simulator transport. This centralizes the wiring used across
// integration tests.
func NewStack(t *testing.T) *Stack {
	t.Helper()
	st := store.NewInMemoryStore()
	simulator := messaging.NewSimulatorService()
	limiter := ratelimit.NewLimiter(st)
	gateway := messaging.NewGateway(st, limiter, simulator)
	engine := program.NewEngine(st, gateway)
	broker := agent.NewBroker(st, gateway)
	engine.SetAgentNotifier(broker)
	broker.SetProgramResumer(engine)
	dispatcher := broadcast.NewDispatcher(st, gateway, broadcast.WithSendPacing(0))
	router := messaging.NewRouter(st, gateway, broker, engine, simulator)
	server := api.NewServer(st, router, engine, broker, dispatcher, limiter)

	return &Stack{
		Store:      st,
		Simulator:  simulator,
		Limiter:    limiter,
		Gateway:    gateway,
		Engine:     engine,
		Broker:     broker,
		Dispatcher: dispatcher,
		Router:     router,
		Server:     server,
	}
}

// SeedContact creates an active contact and returns it.
func (s *Stack) SeedContact(t *testing.T, phone string) models.Contact {
	t.Helper()
	id, err := s.Store.CreateContact(models.Contact{Phone: phone, Active: true})
	if err != nil {
		t.Fatalf("failed to seed contact %s: %v", phone, err)
	}
	return models.Contact{ID: id, Phone: phone, Active: true}
}

// SeedAgent registers an active, available agent and returns it.
func (s *Stack) SeedAgent(t *testing.T, phone string) models.Agent {
	t.Helper()
	a := models.Agent{Phone: phone, IsActive: true, IsAvailable: true}
	id, err := s.Broker.AddAgent(a)
	if err != nil {
		t.Fatalf("failed to seed agent %s: %v", phone, err)
	}
	a.ID = id
	a.MaxConcurrentChats = models.DefaultMaxConcurrentChats
	return a
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response envelope and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
