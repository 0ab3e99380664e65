// Package messaging provides the outbound message gateway, the pluggable
// transport services behind it, and the inbound routing chain.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize is the buffer size for event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout is how long emitters wait on a full channel
	// before dropping the event
	DefaultChannelTimeout = 5 * time.Second
)

// ErrServiceStopped is returned when operations are attempted on a stopped service
var ErrServiceStopped = errors.New("messaging service is stopped")

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient. It returns the
	// provider-assigned message id when the transport has one (Twilio's
	// message SID), or "" for transports without provider ids; the
	// gateway uses it to correlate delivery status callbacks.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, failed).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming contact messages.
	Responses() <-chan models.Response
}

// canonicalizePhone strips non-digit characters and validates the result.
// The shared digit-only rule lives in models so registration paths apply
// the same form the transports do.
func canonicalizePhone(recipient string) (string, error) {
	return models.CanonicalizePhone(recipient)
}
