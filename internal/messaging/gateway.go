package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// MessageStore is the slice of the persistence layer the gateway consumes.
type MessageStore interface {
	AddMessage(m models.Message) error
	UpdateMessageStatus(id string, status models.MessageStatus) error
}

// RateLimiter is the quota gate applied to every outbound send. Implemented
// by ratelimit.Limiter.
type RateLimiter interface {
	CheckPhone(phone string) (*models.RateLimitDenial, error)
	CheckGlobal() (*models.RateLimitDenial, error)
	RecordSend(phone string) error
	RecordGlobalSend() error
}

// Gateway is the single funnel through which every component sends. It
// applies both rate limits, records the message, and hands off to the
// transport; counters are updated only after a successful send.
type Gateway struct {
	store   MessageStore
	limiter RateLimiter
	service Service

	// providerIDs maps transport-assigned message ids (Twilio SIDs) to
	// local message ids so delivery status callbacks keyed by the
	// provider id reach the right message log row. Entries are dropped
	// once a terminal status arrives.
	mu          sync.Mutex
	providerIDs map[string]string
}

// NewGateway creates a Gateway over the given store, limiter, and transport.
func NewGateway(st MessageStore, limiter RateLimiter, service Service) *Gateway {
	return &Gateway{store: st, limiter: limiter, service: service, providerIDs: make(map[string]string)}
}

// Send delivers one outbound message. A non-nil denial means the send was
// refused by a rate limit; the refused message is still recorded with
// status denied. A non-nil error means the check, persistence, or transport
// failed; rate-limit check failures deny the send.
func (g *Gateway) Send(ctx context.Context, to, content string, msgType models.MessageType, metadata map[string]string) (string, *models.RateLimitDenial, error) {
	if content == "" {
		return "", nil, models.ErrEmptyContent
	}
	if len(content) > models.MaxMessageLength {
		return "", nil, models.ErrContentTooLong
	}

	canonical, err := g.service.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", nil, fmt.Errorf("failed to validate recipient: %w", err)
	}

	// The global limit is checked first: when both limits are exhausted
	// the caller sees the global denial, which broadcast dispatch answers
	// with a backoff-and-retry instead of writing the recipient off as
	// rate_limited.
	denial, err := g.limiter.CheckGlobal()
	if err != nil {
		return "", nil, fmt.Errorf("global rate limit check failed: %w", err)
	}
	if denial == nil {
		denial, err = g.limiter.CheckPhone(canonical)
		if err != nil {
			return "", nil, fmt.Errorf("phone rate limit check failed: %w", err)
		}
	}

	id := uuid.NewString()
	msg := models.Message{
		ID:        id,
		Phone:     canonical,
		Direction: models.DirectionOutbound,
		Type:      msgType,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	if denial != nil {
		msg.Status = models.MessageStatusDenied
		if err := g.store.AddMessage(msg); err != nil {
			slog.Error("Gateway failed to record denied message", "error", err, "to", canonical)
		}
		slog.Debug("Gateway send denied", "to", canonical, "scope", denial.Scope, "window", denial.Window)
		return id, denial, nil
	}

	providerID, err := g.service.SendMessage(ctx, canonical, content)
	if err != nil {
		msg.Status = models.MessageStatusFailed
		if recErr := g.store.AddMessage(msg); recErr != nil {
			slog.Error("Gateway failed to record failed message", "error", recErr, "to", canonical)
		}
		slog.Error("Gateway transport send failed", "error", err, "to", canonical, "type", msgType)
		return id, nil, fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}

	if providerID != "" {
		meta := make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["provider_sid"] = providerID
		msg.Metadata = meta
		g.mu.Lock()
		g.providerIDs[providerID] = id
		g.mu.Unlock()
	}

	msg.Status = models.MessageStatusSent
	if err := g.store.AddMessage(msg); err != nil {
		slog.Error("Gateway failed to record sent message", "error", err, "to", canonical)
	}
	if err := g.limiter.RecordSend(canonical); err != nil {
		slog.Error("Gateway failed to record phone counters", "error", err, "to", canonical)
	}
	if err := g.limiter.RecordGlobalSend(); err != nil {
		slog.Error("Gateway failed to record global counters", "error", err)
	}
	slog.Debug("Gateway send succeeded", "id", id, "to", canonical, "type", msgType)
	return id, nil, nil
}

// RecordInbound persists one inbound message in the message log and
// returns its id.
func (g *Gateway) RecordInbound(from, body string) (string, error) {
	id := uuid.NewString()
	msg := models.Message{
		ID:        id,
		Phone:     from,
		Direction: models.DirectionInbound,
		Type:      models.MessageTypeChat,
		Content:   body,
		Status:    models.MessageStatusReceived,
		CreatedAt: time.Now(),
	}
	if err := g.store.AddMessage(msg); err != nil {
		return "", fmt.Errorf("failed to record inbound message from %s: %w", from, err)
	}
	return id, nil
}

// UpdateDeliveryStatus updates a recorded message's delivery status by id.
// Delivery callbacks arrive asynchronously from the transport.
func (g *Gateway) UpdateDeliveryStatus(id string, status models.MessageStatus) error {
	if err := g.store.UpdateMessageStatus(id, status); err != nil {
		return fmt.Errorf("failed to update message %s status: %w", id, err)
	}
	return nil
}

// resolveMessageID maps a receipt's message id to the local message log
// id. Receipts from the Twilio status callback are keyed by the provider
// SID; anything not in the index is assumed to be a local id already.
// Terminal statuses retire the index entry.
func (g *Gateway) resolveMessageID(receiptID string, status models.MessageStatus) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	local, ok := g.providerIDs[receiptID]
	if !ok {
		return receiptID
	}
	if status == models.MessageStatusDelivered || status == models.MessageStatusFailed {
		delete(g.providerIDs, receiptID)
	}
	return local
}

// Run drains the transport's receipt channel until ctx is cancelled,
// applying delivery status updates that carry a message id.
func (g *Gateway) Run(ctx context.Context) {
	slog.Info("Gateway receipt loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Gateway receipt loop stopped")
			return
		case receipt, ok := <-g.service.Receipts():
			if !ok {
				slog.Info("Gateway receipt channel closed")
				return
			}
			if receipt.MessageID == "" {
				continue
			}
			id := g.resolveMessageID(receipt.MessageID, receipt.Status)
			if err := g.UpdateDeliveryStatus(id, receipt.Status); err != nil {
				slog.Error("Gateway receipt update failed", "error", err, "message_id", id)
			}
		}
	}
}
