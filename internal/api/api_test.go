package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SMSFlowHQ/SMSFlow/internal/agent"
	"github.com/SMSFlowHQ/SMSFlow/internal/broadcast"
	"github.com/SMSFlowHQ/SMSFlow/internal/messaging"
	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/program"
	"github.com/SMSFlowHQ/SMSFlow/internal/ratelimit"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

// testEnv wires the full orchestration stack over the in-memory store and
// the simulator transport.
type testEnv struct {
	server    *Server
	handler   http.Handler
	st        *store.InMemoryStore
	simulator *messaging.SimulatorService
}

func newTestEnv(t *testing.T) *testEnv {
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

	server := NewServer(st, router, engine, broker, dispatcher, limiter)
	return &testEnv{server: server, handler: server.Handler(), st: st, simulator: simulator}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode response envelope: %v (body %s)", err, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			t.Fatalf("failed to decode result: %v (body %s)", err, rec.Body.String())
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestContactLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "15551234", Name: "Pat"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created models.Contact
	decodeResult(t, rec, &created)
	if created.ID == 0 || !created.Active {
		t.Fatalf("created contact = %+v, want id set and active", created)
	}

	rec = env.do(t, http.MethodGet, "/contacts?phone=15551234", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by phone status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "15551234"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/contacts/99999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing contact status = %d, want 404", rec.Code)
	}
}

func TestCreateContactCanonicalizesPhone(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "+1 (555) 123-4000"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created models.Contact
	decodeResult(t, rec, &created)
	if created.Phone != "15551234000" {
		t.Fatalf("stored phone = %q, want digit-only form", created.Phone)
	}

	// The digit-only form is the uniqueness key, so the same number with
	// different formatting is a duplicate.
	rec = env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "1-555-123-4000"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("formatted duplicate status = %d, want 409", rec.Code)
	}

	// Formatted lookups resolve through the same canonical form.
	rec = env.do(t, http.MethodGet, "/contacts?phone=%2B1+(555)+123-4000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("formatted lookup status = %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "12-34"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short phone status = %d, want 400", rec.Code)
	}
}

func TestGroupEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "15551234"})
	var contact models.Contact
	decodeResult(t, rec, &contact)

	rec = env.do(t, http.MethodPost, "/groups", models.Group{Name: "vips"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group status = %d, body %s", rec.Code, rec.Body.String())
	}
	var group models.Group
	decodeResult(t, rec, &group)

	rec = env.do(t, http.MethodPost, "/groups/1/contacts", map[string]int64{"contact_id": contact.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("add member status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestIncomingMessageRunsBaseProgram(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/programs", models.ProgramDefinition{
		Name:        "welcome",
		StartStepID: "hello",
		IsActive:    true,
		IsBase:      true,
		Steps: []models.Step{
			{ID: "hello", Kind: models.StepKindMessage, Content: "Welcome!"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create program status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/messages/incoming", map[string]string{"from": "15551000", "body": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("incoming status = %d, body %s", rec.Code, rec.Body.String())
	}
	sent := env.simulator.SentTo("15551000")
	if len(sent) != 1 || sent[0].Body != "Welcome!" {
		t.Fatalf("simulator sends = %v, want the welcome message", sent)
	}
}

func TestProgramAssignAndStats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "15551000"})
	var contact models.Contact
	decodeResult(t, rec, &contact)

	rec = env.do(t, http.MethodPost, "/programs", models.ProgramDefinition{
		Name:        "survey",
		StartStepID: "ask",
		IsActive:    true,
		Steps: []models.Step{
			{ID: "ask", Kind: models.StepKindMessage, Content: "How are you?", NextStepID: "capture"},
			{ID: "capture", Kind: models.StepKindInput, VariableName: "mood"},
		},
	})
	var prog models.ProgramDefinition
	decodeResult(t, rec, &prog)

	rec = env.do(t, http.MethodPost, "/programs/1/assign", map[string][]int64{"contact_ids": {contact.ID}})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/programs/1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats models.ProgramStats
	decodeResult(t, rec, &stats)
	if stats.TotalStates != 1 {
		t.Fatalf("stats = %+v, want one state", stats)
	}

	rec = env.do(t, http.MethodPost, "/programs/1/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/programs/1/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateProgramValidationError(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/programs", models.ProgramDefinition{Name: "broken"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for program with no steps", rec.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/agents", models.Agent{Phone: "200101", Name: "Sam", IsAvailable: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add agent status = %d, body %s", rec.Code, rec.Body.String())
	}
	var a models.Agent
	decodeResult(t, rec, &a)

	rec = env.do(t, http.MethodPut, "/agents/1/availability", map[string]bool{"available": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("availability status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/agents/1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/agents/999/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing agent stats status = %d, want 404", rec.Code)
	}
}

func TestSessionEndpointReasons(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/agents", models.Agent{Phone: "200103", IsAvailable: true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add agent status = %d, body %s", rec.Code, rec.Body.String())
	}

	connect := func(phone string) string {
		t.Helper()
		id, err := env.st.CreateContact(models.Contact{Phone: phone, Active: true})
		if err != nil {
			t.Fatalf("CreateContact failed: %v", err)
		}
		if err := env.server.broker.RequestConnection(ctx, models.Contact{ID: id, Phone: phone, Active: true}, ""); err != nil {
			t.Fatalf("RequestConnection failed: %v", err)
		}
		if _, err := env.server.broker.ProcessAgentCommand(ctx, "200103", "ACCEPT"); err != nil {
			t.Fatalf("ACCEPT failed: %v", err)
		}
		sessions, err := env.st.ListActiveChatSessions()
		if err != nil || len(sessions) == 0 {
			t.Fatalf("no active session after ACCEPT: %v", err)
		}
		return sessions[len(sessions)-1].SessionKey
	}

	key := connect("100103")
	rec = env.do(t, http.MethodDelete, "/sessions/"+key, map[string]string{"reason": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid reason status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/sessions/"+key, map[string]string{"reason": "ended_by_user"})
	if rec.Code != http.StatusOK {
		t.Fatalf("end with reason status = %d, body %s", rec.Code, rec.Body.String())
	}
	s, err := env.st.GetChatSession(key)
	if err != nil || s == nil || s.Status != models.SessionStatusEndedByUser {
		t.Fatalf("session after reasoned end = (%+v, %v), want ended_by_user", s, err)
	}

	// An empty body falls back to the default reason.
	key = connect("100104")
	rec = env.do(t, http.MethodDelete, "/sessions/"+key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("default end status = %d, body %s", rec.Code, rec.Body.String())
	}
	s, err = env.st.GetChatSession(key)
	if err != nil || s == nil || s.Status != models.SessionStatusEnded {
		t.Fatalf("session after default end = (%+v, %v), want ended", s, err)
	}
}

func TestSessionEndpointUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodDelete, "/sessions/not-a-session", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBroadcastEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/contacts", models.Contact{Phone: "15551000"})
	var contact models.Contact
	decodeResult(t, rec, &contact)

	rec = env.do(t, http.MethodPost, "/broadcasts", models.Broadcast{
		Name:             "launch",
		Content:          "We are live",
		TargetContactIDs: []int64{contact.ID},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create broadcast status = %d, body %s", rec.Code, rec.Body.String())
	}
	var b models.Broadcast
	decodeResult(t, rec, &b)
	if b.RecipientCount != 1 {
		t.Fatalf("broadcast = %+v, want one recipient", b)
	}

	rec = env.do(t, http.MethodGet, "/broadcasts/"+b.ID+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, "/broadcasts/"+b.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodDelete, "/broadcasts/"+b.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double cancel status = %d, want 409", rec.Code)
	}
}

func TestBroadcastEmptyAudienceRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/broadcasts", models.Broadcast{Name: "empty", Content: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty audience", rec.Code)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ratelimits/15551000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d, body %s", rec.Code, rec.Body.String())
	}
	var status models.RateLimitStatus
	decodeResult(t, rec, &status)
	if status.Phone != "15551000" || len(status.Windows) != 3 || len(status.Global) != 3 {
		t.Fatalf("status = %+v, want three phone and three global windows", status)
	}

	rec = env.do(t, http.MethodPost, "/ratelimits/reload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var cfg models.RateLimitConfig
	decodeResult(t, rec, &cfg)
	if cfg.PerMinute != models.DefaultRateLimitConfig().PerMinute {
		t.Fatalf("config = %+v, want defaults", cfg)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/messages/incoming"},
		{http.MethodDelete, "/contacts"},
		{http.MethodGet, "/groups"},
		{http.MethodDelete, "/programs"},
		{http.MethodGet, "/agents"},
		{http.MethodPut, "/broadcasts"},
		{http.MethodGet, "/ratelimits/reload"},
	}
	for _, tc := range cases {
		rec := env.do(t, tc.method, tc.path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}
