package messaging

import (
	"context"
	"testing"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/ratelimit"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

type stubBroker struct {
	forwardClaims bool
	commandClaims bool
	forwardCalls  int
	commandCalls  int
}

func (b *stubBroker) ForwardIfActiveSession(ctx context.Context, from, body string) (bool, error) {
	b.forwardCalls++
	return b.forwardClaims, nil
}

func (b *stubBroker) ProcessAgentCommand(ctx context.Context, from, body string) (bool, error) {
	b.commandCalls++
	return b.commandClaims, nil
}

type stubEngine struct {
	calls    int
	contacts []models.Contact
}

func (e *stubEngine) HandleInbound(ctx context.Context, contact models.Contact, body string) error {
	e.calls++
	e.contacts = append(e.contacts, contact)
	return nil
}

func newTestRouter(t *testing.T, broker *stubBroker, engine *stubEngine) (*Router, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	sim := NewSimulatorService()
	gw := NewGateway(st, ratelimit.NewLimiter(st), sim)
	return NewRouter(st, gw, broker, engine, sim), st
}

func TestRouterChainFallsThroughToEngine(t *testing.T) {
	broker := &stubBroker{}
	engine := &stubEngine{}
	router, _ := newTestRouter(t, broker, engine)

	if err := router.HandleInbound(context.Background(), "15550200", "hello"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if broker.forwardCalls != 1 || broker.commandCalls != 1 || engine.calls != 1 {
		t.Errorf("expected full chain, got forward=%d command=%d engine=%d",
			broker.forwardCalls, broker.commandCalls, engine.calls)
	}
}

func TestRouterActiveSessionClaimStopsChain(t *testing.T) {
	broker := &stubBroker{forwardClaims: true}
	engine := &stubEngine{}
	router, _ := newTestRouter(t, broker, engine)

	if err := router.HandleInbound(context.Background(), "15550201", "hello"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if broker.commandCalls != 0 || engine.calls != 0 {
		t.Errorf("expected chain to stop at forwarding, got command=%d engine=%d", broker.commandCalls, engine.calls)
	}
}

func TestRouterAgentCommandClaimStopsChain(t *testing.T) {
	broker := &stubBroker{commandClaims: true}
	engine := &stubEngine{}
	router, _ := newTestRouter(t, broker, engine)

	if err := router.HandleInbound(context.Background(), "15550202", "ACCEPT"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if broker.forwardCalls != 1 {
		t.Errorf("expected forwarding attempted first, got %d calls", broker.forwardCalls)
	}
	if engine.calls != 0 {
		t.Errorf("expected engine skipped, got %d calls", engine.calls)
	}
}

func TestRouterCreatesUnknownContact(t *testing.T) {
	broker := &stubBroker{}
	engine := &stubEngine{}
	router, st := newTestRouter(t, broker, engine)

	if err := router.HandleInbound(context.Background(), "15550203", "hi"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	contact, err := st.GetContactByPhone("15550203")
	if err != nil {
		t.Fatalf("GetContactByPhone failed: %v", err)
	}
	if contact == nil {
		t.Fatal("expected contact auto-created")
	}
	if !contact.Active {
		t.Error("expected auto-created contact to be active")
	}
	if len(engine.contacts) != 1 || engine.contacts[0].Phone != "15550203" {
		t.Errorf("expected engine to receive the new contact, got %v", engine.contacts)
	}
}

func TestRouterReusesExistingContact(t *testing.T) {
	broker := &stubBroker{}
	engine := &stubEngine{}
	router, st := newTestRouter(t, broker, engine)

	id, err := st.CreateContact(models.Contact{Phone: "15550204", Name: "Dana", Active: true})
	if err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}

	if err := router.HandleInbound(context.Background(), "15550204", "hi"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if len(engine.contacts) != 1 || engine.contacts[0].ID != id {
		t.Errorf("expected existing contact %d passed to engine, got %v", id, engine.contacts)
	}
}

func TestRouterCanonicalizesSender(t *testing.T) {
	broker := &stubBroker{}
	engine := &stubEngine{}
	router, st := newTestRouter(t, broker, engine)

	id, err := st.CreateContact(models.Contact{Phone: "15550206", Name: "Eli", Active: true})
	if err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}

	// A formatted sender arriving through the HTTP webhook must resolve
	// to the contact stored under the digit-only form, not create a
	// duplicate.
	if err := router.HandleInbound(context.Background(), "+1 (555) 02-06", "hi"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if len(engine.contacts) != 1 || engine.contacts[0].ID != id {
		t.Errorf("expected canonicalized sender to match contact %d, got %v", id, engine.contacts)
	}
	if dup, _ := st.GetContactByPhone("+1 (555) 02-06"); dup != nil {
		t.Errorf("expected no contact stored under the formatted phone, got %+v", dup)
	}

	if err := router.HandleInbound(context.Background(), "no digits", "hi"); err == nil {
		t.Error("expected error for a sender with no usable digits")
	}
}

func TestRouterRecordsInboundMessage(t *testing.T) {
	broker := &stubBroker{forwardClaims: true}
	engine := &stubEngine{}
	router, st := newTestRouter(t, broker, engine)

	if err := router.HandleInbound(context.Background(), "15550205", "hello"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	msgs := st.Messages()
	if len(msgs) != 1 || msgs[0].Direction != models.DirectionInbound || msgs[0].Content != "hello" {
		t.Fatalf("expected inbound message recorded, got %v", msgs)
	}
}
