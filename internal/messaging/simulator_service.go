package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// SimulatedMessage is one message captured by the simulator.
type SimulatedMessage struct {
	To   string
	Body string
	Time time.Time
}

// SimulatorService is a loopback Service used in development and tests. It
// captures outbound messages instead of delivering them and lets callers
// inject inbound messages as if a contact had texted the system.
type SimulatorService struct {
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	sent      []SimulatedMessage
	failNext  error
	stopped   bool
}

// NewSimulatorService creates a SimulatorService.
func NewSimulatorService() *SimulatorService {
	return &SimulatorService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient applies the same digit-only rules as the
// real transports so simulator runs exercise identical routing keys.
func (s *SimulatorService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	return canonical, nil
}

// Start is a no-op for the simulator.
func (s *SimulatorService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *SimulatorService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage records the message and emits a sent receipt. The simulator
// has no provider message ids.
func (s *SimulatorService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrServiceStopped
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		s.mu.Unlock()
		return "", err
	}
	s.sent = append(s.sent, SimulatedMessage{To: canonicalTo, Body: body, Time: time.Now()})
	s.mu.Unlock()

	slog.Debug("SimulatorService captured message", "to", canonicalTo)
	select {
	case s.receipts <- models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}:
	default:
	}
	return "", nil
}

// InjectInbound feeds an inbound message into the Responses channel, as if
// the contact had texted the virtual number.
func (s *SimulatorService) InjectInbound(from, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		return err
	}
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	s.responses <- models.Response{From: canonical, Body: body, Time: time.Now().Unix()}
	return nil
}

// FailNextSend makes the next SendMessage call return err, for testing
// failure paths.
func (s *SimulatorService) FailNextSend(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Sent returns a copy of the captured outbound messages.
func (s *SimulatorService) Sent() []SimulatedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SimulatedMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentTo returns the captured messages addressed to phone.
func (s *SimulatorService) SentTo(phone string) []SimulatedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SimulatedMessage
	for _, m := range s.sent {
		if m.To == phone {
			out = append(out, m)
		}
	}
	return out
}

// Receipts returns the channel for sent message receipts.
func (s *SimulatorService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for injected inbound messages.
func (s *SimulatorService) Responses() <-chan models.Response {
	return s.responses
}
