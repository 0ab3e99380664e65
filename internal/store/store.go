// Package store provides storage backends for SMSFlow.
//
// It includes an in-memory store used by tests and development, plus
// SQLite and PostgreSQL backed stores. The uniqueness constraints of the
// data model (contact phone, (program, contact) state, (broadcast, phone)
// recipient, (phone, window, window_start) counter) are enforced at this
// layer as the backstop against duplicate-creation races.
package store

import (
	"strings"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything that looks like a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence interface consumed by every orchestration
// component. Lookup methods return (nil, nil) when the row does not exist;
// a non-nil error always means the operation itself failed.
type Store interface {
	// Contacts
	CreateContact(c models.Contact) (int64, error)
	GetContactByID(id int64) (*models.Contact, error)
	GetContactByPhone(phone string) (*models.Contact, error)
	ListActiveContactsByIDs(ids []int64) ([]models.Contact, error)

	// Groups
	CreateGroup(g models.Group) (int64, error)
	GetGroup(id int64) (*models.Group, error)
	AddContactToGroup(groupID, contactID int64) error
	ListActiveGroupContacts(groupID int64) ([]models.Contact, error)

	// Programs
	CreateProgram(p models.ProgramDefinition) (int64, error)
	UpdateProgram(p models.ProgramDefinition) error
	GetProgram(id int64) (*models.ProgramDefinition, error)
	ListBasePrograms() ([]models.ProgramDefinition, error)
	ListProgramsAssignedToContact(contactID int64) ([]models.ProgramDefinition, error)

	// Program assignments
	CreateAssignment(a models.ProgramAssignment) (int64, error)

	// Program state, unique per (program, contact)
	GetProgramState(programID, contactID int64) (*models.ProgramState, error)
	SaveProgramState(st models.ProgramState) error
	DeleteProgramState(programID, contactID int64) error
	ListDueProgramStates(now time.Time) ([]models.ProgramState, error)
	ListProgramStates(programID int64) ([]models.ProgramState, error)

	// Agents
	CreateAgent(a models.Agent) (int64, error)
	GetAgentByID(id int64) (*models.Agent, error)
	GetAgentByPhone(phone string) (*models.Agent, error)
	ListAvailableAgents() ([]models.Agent, error)
	UpdateAgentAvailability(id int64, available bool) error

	// Chat sessions
	CreateChatSession(s models.ChatSession) error
	UpdateChatSession(s models.ChatSession) error
	GetChatSession(sessionKey string) (*models.ChatSession, error)
	ListActiveChatSessions() ([]models.ChatSession, error)
	ListChatSessionsByAgent(agentID int64) ([]models.ChatSession, error)

	// Broadcasts
	CreateBroadcastWithRecipients(b models.Broadcast, recipients []models.BroadcastRecipient) error
	GetBroadcast(id string) (*models.Broadcast, error)
	UpdateBroadcast(b models.Broadcast) error
	ListScheduledBroadcastsDue(now time.Time) ([]models.Broadcast, error)
	ListBroadcastRecipients(broadcastID string) ([]models.BroadcastRecipient, error)
	UpdateBroadcastRecipient(r models.BroadcastRecipient) error
	CountRecipientsByStatus(broadcastID string) (map[models.RecipientStatus]int, error)
	MarkPendingRecipientsCancelled(broadcastID string) (int, error)

	// Rate window counters; a nil phone addresses the global counter.
	IncrementRateCounter(phone *string, window models.RateWindow, windowStart time.Time) error
	GetRateCount(phone *string, window models.RateWindow, windowStart time.Time) (int, error)
	DeleteRateCountersBefore(cutoff time.Time) (int, error)

	// Message log
	AddMessage(m models.Message) error
	UpdateMessageStatus(id string, status models.MessageStatus) error

	// Settings (rate-limit overrides and other hot-reloadable config)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	Close() error
}

// globalCounterKey is the phone column value used for the global rate
// counter. SQL unique indexes treat NULLs as distinct, so the global row
// uses an empty string instead of NULL.
const globalCounterKey = ""

// counterKey maps a *string phone to its stored column value.
func counterKey(phone *string) string {
	if phone == nil {
		return globalCounterKey
	}
	return *phone
}
