package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// SessionBroker is the agent-side routing surface. Implemented by
// agent.Broker; defined locally to keep the routing chain decoupled from
// the broker package.
type SessionBroker interface {
	// ForwardIfActiveSession relays the message into an active chat
	// session and reports whether it claimed the message.
	ForwardIfActiveSession(ctx context.Context, from, body string) (bool, error)
	// ProcessAgentCommand interprets agent commands (ACCEPT, END) and
	// agent chat relay, and reports whether it claimed the message.
	ProcessAgentCommand(ctx context.Context, from, body string) (bool, error)
}

// ProgramEngine is the scripted-program entry point for inbound messages.
// Implemented by program.Engine.
type ProgramEngine interface {
	HandleInbound(ctx context.Context, contact models.Contact, body string) error
}

// ContactStore is the contact lookup surface the router consumes.
type ContactStore interface {
	GetContactByPhone(phone string) (*models.Contact, error)
	CreateContact(c models.Contact) (int64, error)
}

// Router drives the inbound processing chain: active-session forwarding,
// then agent command interpretation, then program execution. The first
// component to claim a message stops the chain.
type Router struct {
	contacts ContactStore
	gateway  *Gateway
	broker   SessionBroker
	engine   ProgramEngine
	service  Service
}

// NewRouter creates a Router over the given collaborators.
func NewRouter(contacts ContactStore, gateway *Gateway, broker SessionBroker, engine ProgramEngine, service Service) *Router {
	return &Router{
		contacts: contacts,
		gateway:  gateway,
		broker:   broker,
		engine:   engine,
		service:  service,
	}
}

// HandleInbound processes one inbound message through the routing chain.
// The sender is canonicalized first so formatted numbers arriving through
// the HTTP webhook match stored contacts and agents.
func (r *Router) HandleInbound(ctx context.Context, from, body string) error {
	from, err := models.CanonicalizePhone(from)
	if err != nil {
		return fmt.Errorf("invalid sender phone: %w", err)
	}
	slog.Debug("Router handling inbound message", "from", from)

	contact, err := r.resolveContact(from)
	if err != nil {
		return fmt.Errorf("failed to resolve contact %s: %w", from, err)
	}

	if _, err := r.gateway.RecordInbound(from, body); err != nil {
		// The message log is an audit trail; routing proceeds without it.
		slog.Error("Router failed to record inbound message", "error", err, "from", from)
	}

	handled, err := r.broker.ForwardIfActiveSession(ctx, from, body)
	if err != nil {
		return fmt.Errorf("session forwarding failed for %s: %w", from, err)
	}
	if handled {
		slog.Debug("Router message claimed by active session", "from", from)
		return nil
	}

	handled, err = r.broker.ProcessAgentCommand(ctx, from, body)
	if err != nil {
		return fmt.Errorf("agent command processing failed for %s: %w", from, err)
	}
	if handled {
		slog.Debug("Router message claimed as agent command", "from", from)
		return nil
	}

	if err := r.engine.HandleInbound(ctx, *contact, body); err != nil {
		return fmt.Errorf("program execution failed for %s: %w", from, err)
	}
	return nil
}

// resolveContact looks up the sender, creating a contact record on first
// contact from an unknown phone.
func (r *Router) resolveContact(phone string) (*models.Contact, error) {
	contact, err := r.contacts.GetContactByPhone(phone)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		return contact, nil
	}

	slog.Info("Router creating contact for unknown sender", "phone", phone)
	id, err := r.contacts.CreateContact(models.Contact{Phone: phone, Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	if err != nil {
		if errors.Is(err, models.ErrDuplicatePhone) {
			// Lost a creation race; the row exists now.
			return r.contacts.GetContactByPhone(phone)
		}
		return nil, err
	}
	return &models.Contact{ID: id, Phone: phone, Active: true}, nil
}

// Run consumes the transport's response channel until ctx is cancelled,
// routing each inbound message through the chain.
func (r *Router) Run(ctx context.Context) {
	slog.Info("Router inbound loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Router inbound loop stopped")
			return
		case resp, ok := <-r.service.Responses():
			if !ok {
				slog.Info("Router response channel closed")
				return
			}
			if err := r.HandleInbound(ctx, resp.From, resp.Body); err != nil {
				slog.Error("Router inbound handling failed", "error", err, "from", resp.From)
			}
		}
	}
}
