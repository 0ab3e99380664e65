package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// TestAgentHandoffRoundTrip drives the whole inbound chain end to end:
// a base program hands the contact to a human agent, the chat runs over
// the simulator transport, and ending the chat resumes the program.
func TestAgentHandoffRoundTrip(t *testing.T) {
	stack := NewStack(t)
	ctx := context.Background()
	agentPhone := "12025551000"
	contactPhone := "13015551000"
	stack.SeedAgent(t, agentPhone)

	_, err := stack.Engine.CreateProgram(models.ProgramDefinition{
		Name:        "support",
		StartStepID: "route",
		IsActive:    true,
		IsBase:      true,
		Steps: []models.Step{
			{ID: "route", Kind: models.StepKindCondition, Conditions: []models.StepCondition{
				{Match: models.MatchContains, Value: "agent", NextStepID: "connect"},
			}, DefaultNextStepID: "help"},
			{ID: "help", Kind: models.StepKindMessage, Content: "Text AGENT to reach support."},
			{ID: "connect", Kind: models.StepKindAgentConnect, Content: "Support request", NextStepID: "bye"},
			{ID: "bye", Kind: models.StepKindMessage, Content: "Thanks for chatting!"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProgram failed: %v", err)
	}

	// Contact asks for an agent; the broker notifies the available agent.
	if err := stack.Router.HandleInbound(ctx, contactPhone, "I want an AGENT"); err != nil {
		t.Fatalf("HandleInbound(contact) failed: %v", err)
	}
	agentMsgs := stack.Simulator.SentTo(agentPhone)
	if len(agentMsgs) == 0 || !strings.Contains(agentMsgs[0].Body, "ACCEPT") {
		t.Fatalf("agent notifications = %v, want a connection request", agentMsgs)
	}

	// Agent accepts; both sides are introduced.
	if err := stack.Router.HandleInbound(ctx, agentPhone, "ACCEPT"); err != nil {
		t.Fatalf("HandleInbound(ACCEPT) failed: %v", err)
	}
	contactMsgs := stack.Simulator.SentTo(contactPhone)
	if len(contactMsgs) == 0 || !strings.Contains(contactMsgs[len(contactMsgs)-1].Body, "connected") {
		t.Fatalf("contact messages = %v, want a connected notice", contactMsgs)
	}

	// Live chat relays in both directions.
	if err := stack.Router.HandleInbound(ctx, contactPhone, "hi there"); err != nil {
		t.Fatalf("HandleInbound(chat to agent) failed: %v", err)
	}
	agentMsgs = stack.Simulator.SentTo(agentPhone)
	if got := agentMsgs[len(agentMsgs)-1].Body; !strings.Contains(got, "hi there") {
		t.Fatalf("agent relay = %q, want the contact's text", got)
	}
	if err := stack.Router.HandleInbound(ctx, agentPhone, "hello, how can I help?"); err != nil {
		t.Fatalf("HandleInbound(chat to contact) failed: %v", err)
	}
	contactMsgs = stack.Simulator.SentTo(contactPhone)
	if got := contactMsgs[len(contactMsgs)-1].Body; got != "hello, how can I help?" {
		t.Fatalf("contact relay = %q, want the agent's text verbatim", got)
	}

	// Ending the chat resumes the program at the step after the hand-off.
	if err := stack.Router.HandleInbound(ctx, agentPhone, "END"); err != nil {
		t.Fatalf("HandleInbound(END) failed: %v", err)
	}
	contactMsgs = stack.Simulator.SentTo(contactPhone)
	var sawFarewell bool
	for _, m := range contactMsgs {
		if m.Body == "Thanks for chatting!" {
			sawFarewell = true
		}
	}
	if !sawFarewell {
		t.Fatalf("contact messages = %v, want the post-chat program message", contactMsgs)
	}
}

func TestStackServesHTTP(t *testing.T) {
	stack := NewStack(t)

	req := CreateHTTPRequest(t, http.MethodPost, "/contacts", models.Contact{Phone: "12025551234"})
	rr := httptest.NewRecorder()
	stack.Server.Handler().ServeHTTP(rr, req)

	AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create contact")
	AssertJSONResponse(t, rr, string(models.APIStatusOK))
}
