// Package models defines the core data structures for SMSFlow.
//
// It includes contacts, agents, chat sessions, broadcasts, messages, and the
// shared API response types used across modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// Validation constants shared across modules.
const (
	// MaxMessageLength is the maximum allowed length of an outbound message body.
	MaxMessageLength = 1600
	// MaxBroadcastRecipients caps the resolved audience size of a single broadcast.
	MaxBroadcastRecipients = 1000
	// DefaultMaxConcurrentChats is used when an agent is created without an explicit limit.
	DefaultMaxConcurrentChats = 3
)

// Error variables for better error handling and testability.
var (
	ErrEmptyPhone              = errors.New("phone cannot be empty")
	ErrDuplicatePhone          = errors.New("phone number already registered")
	ErrContactNotFound         = errors.New("contact not found")
	ErrGroupNotFound           = errors.New("group not found")
	ErrAgentNotFound           = errors.New("agent not found")
	ErrProgramNotFound         = errors.New("program not found")
	ErrProgramInactive         = errors.New("program is not active")
	ErrProgramStateNotFound    = errors.New("program state not found")
	ErrSessionNotFound         = errors.New("chat session not found")
	ErrBroadcastNotFound       = errors.New("broadcast not found")
	ErrBroadcastNotCancellable = errors.New("broadcast can no longer be cancelled")
	ErrEmptyAudience           = errors.New("broadcast resolved to zero recipients")
	ErrAudienceTooLarge        = errors.New("broadcast audience exceeds recipient cap")
	ErrEmptyContent            = errors.New("message content cannot be empty")
	ErrContentTooLong          = errors.New("message content exceeds maximum length")
)

// nonDigitRegex matches everything that is not a digit, for phone
// canonicalization.
var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone strips non-digit characters from a phone number and
// validates the result. Every stored and routed phone number uses this
// digit-only form, so a contact or agent registered with formatting
// characters still matches the canonicalized sender of its inbound
// messages.
func CanonicalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", ErrEmptyPhone
	}
	canonical := nonDigitRegex.ReplaceAllString(phone, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}

// Contact represents a person reachable at a unique phone number.
// Phone is the addressing key used everywhere else in the system.
type Contact struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is a named collection of contacts used for program assignment and
// broadcast targeting.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent represents a human operator who can take over conversations.
type Agent struct {
	ID                 int64     `json:"id"`
	Phone              string    `json:"phone"`
	Name               string    `json:"name,omitempty"`
	IsActive           bool      `json:"is_active"`
	IsAvailable        bool      `json:"is_available"`
	TriggerWords       []string  `json:"trigger_words,omitempty"`
	MaxConcurrentChats int       `json:"max_concurrent_chats"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// SessionStatus represents the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionStatusActive       SessionStatus = "active"
	SessionStatusEnded        SessionStatus = "ended"
	SessionStatusTimeout      SessionStatus = "timeout"
	SessionStatusEndedByAgent SessionStatus = "ended_by_agent"
	SessionStatusEndedByUser  SessionStatus = "ended_by_user"
	SessionStatusAgentOffline SessionStatus = "agent_offline"
	SessionStatusAbandoned    SessionStatus = "abandoned"
)

// IsValidSessionStatus checks if the given session status is supported.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusActive, SessionStatusEnded, SessionStatusTimeout,
		SessionStatusEndedByAgent, SessionStatusEndedByUser,
		SessionStatusAgentOffline, SessionStatusAbandoned:
		return true
	default:
		return false
	}
}

// ChatSession bridges a contact and an agent. The phone fields are
// denormalized so the broker can route without extra lookups.
type ChatSession struct {
	SessionKey     string        `json:"session_key"`
	ContactID      int64         `json:"contact_id"`
	ContactPhone   string        `json:"contact_phone"`
	AgentID        int64         `json:"agent_id"`
	AgentPhone     string        `json:"agent_phone"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// MessageDirection tags a stored message as inbound or outbound.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageType identifies which flow produced an outbound message.
type MessageType string

const (
	MessageTypeProgram   MessageType = "program"
	MessageTypeChat      MessageType = "chat"
	MessageTypeBroadcast MessageType = "broadcast"
	MessageTypeSystem    MessageType = "system"
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	MessageStatusReceived  MessageStatus = "received"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusDenied    MessageStatus = "denied"
)

// Message is one entry in the message log.
type Message struct {
	ID        string            `json:"id"`
	Phone     string            `json:"phone"`
	Direction MessageDirection  `json:"direction"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Status    MessageStatus     `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// BroadcastStatus represents the lifecycle state of a broadcast.
type BroadcastStatus string

const (
	BroadcastStatusPending    BroadcastStatus = "pending"
	BroadcastStatusScheduled  BroadcastStatus = "scheduled"
	BroadcastStatusProcessing BroadcastStatus = "processing"
	BroadcastStatusCompleted  BroadcastStatus = "completed"
	BroadcastStatusFailed     BroadcastStatus = "failed"
	BroadcastStatusCancelled  BroadcastStatus = "cancelled"
)

// Broadcast is a mass-send campaign resolved to a deduplicated recipient list.
type Broadcast struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Content          string          `json:"content"`
	TargetGroupIDs   []int64         `json:"target_group_ids,omitempty"`
	TargetContactIDs []int64         `json:"target_contact_ids,omitempty"`
	Status           BroadcastStatus `json:"status"`
	RecipientCount   int             `json:"recipient_count"`
	SentCount        int             `json:"sent_count"`
	FailedCount      int             `json:"failed_count"`
	ScheduledAt      *time.Time      `json:"scheduled_at,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RecipientStatus represents the per-recipient outcome of a broadcast.
type RecipientStatus string

const (
	RecipientStatusPending     RecipientStatus = "pending"
	RecipientStatusSent        RecipientStatus = "sent"
	RecipientStatusFailed      RecipientStatus = "failed"
	RecipientStatusRateLimited RecipientStatus = "rate_limited"
	RecipientStatusCancelled   RecipientStatus = "cancelled"
)

// BroadcastRecipient is one resolved recipient of a broadcast, unique per
// (broadcast, phone).
type BroadcastRecipient struct {
	BroadcastID string          `json:"broadcast_id"`
	ContactID   *int64          `json:"contact_id,omitempty"`
	GroupID     *int64          `json:"group_id,omitempty"`
	Phone       string          `json:"phone"`
	Status      RecipientStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}

// BroadcastStats aggregates live recipient status counts for a broadcast.
type BroadcastStats struct {
	BroadcastID    string                  `json:"broadcast_id"`
	Status         BroadcastStatus         `json:"status"`
	RecipientCount int                     `json:"recipient_count"`
	ByStatus       map[RecipientStatus]int `json:"by_status"`
}

// AgentStats summarizes an agent's session load.
type AgentStats struct {
	AgentID          int64                 `json:"agent_id"`
	ActiveSessions   int                   `json:"active_sessions"`
	TotalSessions    int                   `json:"total_sessions"`
	SessionsByStatus map[SessionStatus]int `json:"sessions_by_status"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope returned by every endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
