// Package agent brokers live chat sessions between contacts and human
// agents.
//
// The broker owns all chat session and pending-request state. Sessions are
// persisted; the pending connection queue is transient and FIFO across all
// agents. Every mutation that checks capacity or pops the queue runs under
// one mutex, so two simultaneous ACCEPT commands can never both claim the
// same request or overfill an agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

const (
	// DefaultIdleTimeout ends sessions with no message activity.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultPendingTimeout drops unaccepted connection requests.
	DefaultPendingTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often the timeout sweep runs.
	DefaultSweepInterval = time.Minute
)

// MessageSender is the outbound surface the broker sends through.
// Implemented by messaging.Gateway.
type MessageSender interface {
	Send(ctx context.Context, to, content string, msgType models.MessageType, metadata map[string]string) (string, *models.RateLimitDenial, error)
}

// ProgramResumer resumes paused programs when a chat session ends.
// Implemented by program.Engine.
type ProgramResumer interface {
	ResumePausedForContact(ctx context.Context, contactID int64) error
}

// pendingRequest is one queued connection request. Transient: a restart
// drops the queue, and the request timeout notifies nobody for requests
// that no longer exist.
type pendingRequest struct {
	ContactPhone    string
	ContactID       int64
	InitialMessage  string
	RequestedAt     time.Time
	NotifiedAgentID []int64
}

// Opts holds configuration options for the broker.
type Opts struct {
	IdleTimeout    time.Duration
	PendingTimeout time.Duration
	SweepInterval  time.Duration
}

// Option configures broker construction.
type Option func(*Opts)

// WithIdleTimeout sets the session inactivity timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// WithPendingTimeout sets the pending connection request timeout.
func WithPendingTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PendingTimeout = d }
}

// WithSweepInterval sets how often Run sweeps for timeouts.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) { o.SweepInterval = d }
}

// Broker routes inbound text between contacts and agents and manages the
// session lifecycle.
type Broker struct {
	store          store.Store
	sender         MessageSender
	idleTimeout    time.Duration
	pendingTimeout time.Duration
	sweepInterval  time.Duration
	now            func() time.Time

	mu                sync.Mutex
	pending           []*pendingRequest
	sessions          map[string]*models.ChatSession // by session key
	sessionsByContact map[string]string              // contact phone -> session key
	sessionsByAgent   map[int64]map[string]bool      // agent id -> session keys
	programs          ProgramResumer
}

// NewBroker creates a broker over the given store and sender.
func NewBroker(st store.Store, sender MessageSender, opts ...Option) *Broker {
	cfg := Opts{
		IdleTimeout:    DefaultIdleTimeout,
		PendingTimeout: DefaultPendingTimeout,
		SweepInterval:  DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Broker{
		store:             st,
		sender:            sender,
		idleTimeout:       cfg.IdleTimeout,
		pendingTimeout:    cfg.PendingTimeout,
		sweepInterval:     cfg.SweepInterval,
		now:               time.Now,
		sessions:          make(map[string]*models.ChatSession),
		sessionsByContact: make(map[string]string),
		sessionsByAgent:   make(map[int64]map[string]bool),
	}
}

// SetProgramResumer wires the program engine in for post-session resumes.
func (b *Broker) SetProgramResumer(p ProgramResumer) {
	b.mu.Lock()
	b.programs = p
	b.mu.Unlock()
}

// Restore rebuilds the active session index from the store. Called once at
// startup; pending connection requests are transient and do not survive a
// restart. Sessions whose last activity already exceeds the idle threshold
// went stale while the process was down and are ended as abandoned instead
// of being re-indexed.
func (b *Broker) Restore(ctx context.Context) error {
	active, err := b.store.ListActiveChatSessions()
	if err != nil {
		return fmt.Errorf("failed to list active chat sessions: %w", err)
	}
	now := b.now()
	var stale []string
	b.mu.Lock()
	restored := 0
	for i := range active {
		s := active[i]
		if now.Sub(s.LastActivityAt) >= b.idleTimeout {
			stale = append(stale, s.SessionKey)
			continue
		}
		b.indexSessionLocked(&s)
		restored++
	}
	b.mu.Unlock()
	for _, key := range stale {
		if err := b.EndSession(ctx, key, models.SessionStatusAbandoned); err != nil {
			slog.Error("Broker failed to end stale session on restore", "error", err, "sessionKey", key)
		}
	}
	slog.Info("Broker restored active sessions", "count", restored, "abandoned", len(stale))
	return nil
}

func (b *Broker) indexSessionLocked(s *models.ChatSession) {
	b.sessions[s.SessionKey] = s
	b.sessionsByContact[s.ContactPhone] = s.SessionKey
	if b.sessionsByAgent[s.AgentID] == nil {
		b.sessionsByAgent[s.AgentID] = make(map[string]bool)
	}
	b.sessionsByAgent[s.AgentID][s.SessionKey] = true
}

func (b *Broker) dropSessionLocked(s *models.ChatSession) {
	delete(b.sessions, s.SessionKey)
	delete(b.sessionsByContact, s.ContactPhone)
	if keys := b.sessionsByAgent[s.AgentID]; keys != nil {
		delete(keys, s.SessionKey)
		if len(keys) == 0 {
			delete(b.sessionsByAgent, s.AgentID)
		}
	}
}

// ForwardIfActiveSession relays a contact's message to the agent side of
// their active session and reports whether it claimed the message.
// Relaying resets the session's idle timer.
func (b *Broker) ForwardIfActiveSession(ctx context.Context, from, body string) (bool, error) {
	b.mu.Lock()
	key, ok := b.sessionsByContact[from]
	var session models.ChatSession
	if ok {
		s := b.sessions[key]
		s.LastActivityAt = b.now()
		session = *s
	}
	b.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := b.store.UpdateChatSession(session); err != nil {
		slog.Error("Broker failed to persist session activity", "error", err, "sessionKey", session.SessionKey)
	}
	if _, denial, err := b.sender.Send(ctx, session.AgentPhone,
		fmt.Sprintf("[%s] %s", session.ContactPhone, body), models.MessageTypeChat,
		map[string]string{"session_key": session.SessionKey}); err != nil {
		slog.Error("Broker forward to agent failed", "error", err, "sessionKey", session.SessionKey)
	} else if denial != nil {
		slog.Warn("Broker forward to agent rate limited", "sessionKey", session.SessionKey, "window", denial.Window)
	}
	return true, nil
}

// ProcessAgentCommand interprets a message from an agent phone: ACCEPT,
// END, or chat relay into the agent's active session. Reports whether it
// claimed the message.
func (b *Broker) ProcessAgentCommand(ctx context.Context, agentPhone, text string) (bool, error) {
	agent, err := b.store.GetAgentByPhone(agentPhone)
	if err != nil {
		return false, fmt.Errorf("failed to look up agent %s: %w", agentPhone, err)
	}
	if agent == nil || !agent.IsActive {
		return false, nil
	}

	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "ACCEPT":
		b.handleAccept(ctx, agent)
		return true, nil
	case "END":
		b.handleEnd(ctx, agent)
		return true, nil
	}

	// Neither command: relay into the agent's active session, if any.
	b.mu.Lock()
	session := b.newestSessionLocked(agent.ID)
	if session != nil {
		session.LastActivityAt = b.now()
	}
	b.mu.Unlock()
	if session == nil {
		return false, nil
	}

	if err := b.store.UpdateChatSession(*session); err != nil {
		slog.Error("Broker failed to persist session activity", "error", err, "sessionKey", session.SessionKey)
	}
	if _, denial, err := b.sender.Send(ctx, session.ContactPhone, text, models.MessageTypeChat,
		map[string]string{"session_key": session.SessionKey}); err != nil {
		slog.Error("Broker relay to contact failed", "error", err, "sessionKey", session.SessionKey)
	} else if denial != nil {
		slog.Warn("Broker relay to contact rate limited", "sessionKey", session.SessionKey, "window", denial.Window)
	}
	return true, nil
}

// newestSessionLocked returns the agent's most recently started active
// session. Callers hold b.mu.
func (b *Broker) newestSessionLocked(agentID int64) *models.ChatSession {
	var newest *models.ChatSession
	for key := range b.sessionsByAgent[agentID] {
		s := b.sessions[key]
		if newest == nil || s.StartedAt.After(newest.StartedAt) {
			newest = s
		}
	}
	return newest
}

// handleAccept pops the oldest pending request and creates a session for
// the accepting agent. The capacity check, the pop, and the session create
// all happen under the mutex; the notifications do not.
func (b *Broker) handleAccept(ctx context.Context, agent *models.Agent) {
	b.mu.Lock()
	maxChats := agent.MaxConcurrentChats
	if maxChats <= 0 {
		maxChats = models.DefaultMaxConcurrentChats
	}
	if len(b.sessionsByAgent[agent.ID]) >= maxChats {
		b.mu.Unlock()
		b.notify(ctx, agent.Phone, "You are at your maximum number of concurrent chats.")
		return
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		b.notify(ctx, agent.Phone, "No pending connection requests remain.")
		return
	}
	req := b.pending[0]
	b.pending = b.pending[1:]

	session := &models.ChatSession{
		SessionKey:     uuid.NewString(),
		ContactID:      req.ContactID,
		ContactPhone:   req.ContactPhone,
		AgentID:        agent.ID,
		AgentPhone:     agent.Phone,
		Status:         models.SessionStatusActive,
		StartedAt:      b.now(),
		LastActivityAt: b.now(),
	}
	if err := b.store.CreateChatSession(*session); err != nil {
		// Requeue at the front so the request is not lost.
		b.pending = append([]*pendingRequest{req}, b.pending...)
		b.mu.Unlock()
		slog.Error("Broker failed to create chat session", "error", err, "agentID", agent.ID, "contact", req.ContactPhone)
		b.notify(ctx, agent.Phone, "Could not start the chat. Please try again.")
		return
	}
	b.indexSessionLocked(session)
	b.mu.Unlock()

	slog.Info("Broker chat session started", "sessionKey", session.SessionKey, "agentID", agent.ID, "contact", req.ContactPhone)
	agentIntro := fmt.Sprintf("Connected to %s.", req.ContactPhone)
	if req.InitialMessage != "" {
		agentIntro = fmt.Sprintf("Connected to %s. First message: %s", req.ContactPhone, req.InitialMessage)
	}
	b.notify(ctx, agent.Phone, agentIntro)
	contactIntro := "You are now connected to an agent."
	if agent.Name != "" {
		contactIntro = fmt.Sprintf("You are now connected to %s.", agent.Name)
	}
	b.notify(ctx, req.ContactPhone, contactIntro)
}

func (b *Broker) handleEnd(ctx context.Context, agent *models.Agent) {
	b.mu.Lock()
	session := b.newestSessionLocked(agent.ID)
	b.mu.Unlock()
	if session == nil {
		b.notify(ctx, agent.Phone, "You have no active chat to end.")
		return
	}
	if err := b.EndSession(ctx, session.SessionKey, models.SessionStatusEndedByAgent); err != nil {
		slog.Error("Broker END command failed", "error", err, "sessionKey", session.SessionKey)
	}
}

// RequestConnection queues a contact's request for a live agent and
// notifies available agents. Duplicate requests and requests from contacts
// already in a session produce an explanatory reply instead of a second
// queue entry.
func (b *Broker) RequestConnection(ctx context.Context, contact models.Contact, initialMessage string) error {
	b.mu.Lock()
	if _, ok := b.sessionsByContact[contact.Phone]; ok {
		b.mu.Unlock()
		b.notify(ctx, contact.Phone, "You already have an active chat with an agent.")
		return nil
	}
	for _, req := range b.pending {
		if req.ContactPhone == contact.Phone {
			b.mu.Unlock()
			b.notify(ctx, contact.Phone, "Your connection request is already pending. An agent will be with you shortly.")
			return nil
		}
	}
	req := &pendingRequest{
		ContactPhone:   contact.Phone,
		ContactID:      contact.ID,
		InitialMessage: initialMessage,
		RequestedAt:    b.now(),
	}
	b.pending = append(b.pending, req)
	counts := make(map[int64]int, len(b.sessionsByAgent))
	for id, keys := range b.sessionsByAgent {
		counts[id] = len(keys)
	}
	b.mu.Unlock()

	agents, err := b.availableAgents(counts, initialMessage)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		slog.Warn("Broker connection request with no available agents", "contact", contact.Phone)
		b.notify(ctx, contact.Phone, "No agents are available right now. We will connect you as soon as one frees up.")
		return nil
	}

	notification := fmt.Sprintf("Connection request from %s. Reply ACCEPT to take the chat.", contact.Phone)
	if initialMessage != "" {
		notification = fmt.Sprintf("Connection request from %s: %q. Reply ACCEPT to take the chat.", contact.Phone, initialMessage)
	}
	var notified []int64
	for _, a := range agents {
		b.notify(ctx, a.Phone, notification)
		notified = append(notified, a.ID)
	}
	b.mu.Lock()
	req.NotifiedAgentID = notified
	b.mu.Unlock()

	b.notify(ctx, contact.Phone, "We are connecting you to an agent. Please hold on.")
	return nil
}

// availableAgents filters active, available agents with spare capacity.
// When any agent's trigger words match the initial message, only matching
// agents are notified; otherwise every available agent is.
func (b *Broker) availableAgents(activeCounts map[int64]int, initialMessage string) ([]models.Agent, error) {
	agents, err := b.store.ListAvailableAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to list available agents: %w", err)
	}
	var available []models.Agent
	for _, a := range agents {
		maxChats := a.MaxConcurrentChats
		if maxChats <= 0 {
			maxChats = models.DefaultMaxConcurrentChats
		}
		if activeCounts[a.ID] < maxChats {
			available = append(available, a)
		}
	}
	if initialMessage == "" {
		return available, nil
	}
	lower := strings.ToLower(initialMessage)
	var matching []models.Agent
	for _, a := range available {
		for _, word := range a.TriggerWords {
			if word != "" && strings.Contains(lower, strings.ToLower(word)) {
				matching = append(matching, a)
				break
			}
		}
	}
	if len(matching) > 0 {
		return matching, nil
	}
	return available, nil
}

// EndSession ends a chat session with the given terminal status, notifies
// both sides, and resumes the contact's paused programs.
func (b *Broker) EndSession(ctx context.Context, sessionKey string, reason models.SessionStatus) error {
	if !models.IsValidSessionStatus(reason) || reason == models.SessionStatusActive {
		return fmt.Errorf("invalid session end reason %q", reason)
	}

	b.mu.Lock()
	session, ok := b.sessions[sessionKey]
	if ok {
		b.dropSessionLocked(session)
	}
	b.mu.Unlock()

	if !ok {
		stored, err := b.store.GetChatSession(sessionKey)
		if err != nil {
			return fmt.Errorf("failed to load chat session %s: %w", sessionKey, err)
		}
		if stored == nil || stored.Status != models.SessionStatusActive {
			return models.ErrSessionNotFound
		}
		session = stored
	}

	endedAt := b.now()
	session.Status = reason
	session.EndedAt = &endedAt
	if err := b.store.UpdateChatSession(*session); err != nil {
		return fmt.Errorf("failed to persist session end %s: %w", sessionKey, err)
	}
	slog.Info("Broker chat session ended", "sessionKey", sessionKey, "reason", reason)

	b.notify(ctx, session.ContactPhone, "Your chat with the agent has ended.")
	b.notify(ctx, session.AgentPhone, fmt.Sprintf("Chat with %s ended (%s).", session.ContactPhone, reason))

	b.mu.Lock()
	resumer := b.programs
	b.mu.Unlock()
	if resumer != nil {
		if err := resumer.ResumePausedForContact(ctx, session.ContactID); err != nil {
			slog.Error("Broker failed to resume programs after session end", "error", err, "contactID", session.ContactID)
		}
	}
	return nil
}

// AddAgent validates and registers a new agent. The phone is stored in
// canonical digit-only form so the agent's own inbound commands, which
// arrive canonicalized from the transports, match GetAgentByPhone.
func (b *Broker) AddAgent(a models.Agent) (int64, error) {
	phone, err := models.CanonicalizePhone(a.Phone)
	if err != nil {
		return 0, err
	}
	a.Phone = phone
	if a.MaxConcurrentChats <= 0 {
		a.MaxConcurrentChats = models.DefaultMaxConcurrentChats
	}
	id, err := b.store.CreateAgent(a)
	if err != nil {
		return 0, fmt.Errorf("failed to create agent: %w", err)
	}
	slog.Info("Agent registered", "id", id, "phone", a.Phone)
	return id, nil
}

// UpdateAgentAvailability flips an agent's availability. Marking an agent
// unavailable force-ends every active session they hold with reason
// agent_offline.
func (b *Broker) UpdateAgentAvailability(ctx context.Context, agentID int64, available bool) error {
	agent, err := b.store.GetAgentByID(agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent %d: %w", agentID, err)
	}
	if agent == nil {
		return models.ErrAgentNotFound
	}
	if err := b.store.UpdateAgentAvailability(agentID, available); err != nil {
		return fmt.Errorf("failed to update agent %d availability: %w", agentID, err)
	}
	slog.Info("Agent availability updated", "agentID", agentID, "available", available)
	if available {
		return nil
	}

	b.mu.Lock()
	var keys []string
	for key := range b.sessionsByAgent[agentID] {
		keys = append(keys, key)
	}
	b.mu.Unlock()
	for _, key := range keys {
		if err := b.EndSession(ctx, key, models.SessionStatusAgentOffline); err != nil {
			slog.Error("Broker failed to end session for offline agent", "error", err, "sessionKey", key)
		}
	}
	return nil
}

// GetAgentStats aggregates session counts for one agent.
func (b *Broker) GetAgentStats(agentID int64) (*models.AgentStats, error) {
	agent, err := b.store.GetAgentByID(agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %d: %w", agentID, err)
	}
	if agent == nil {
		return nil, models.ErrAgentNotFound
	}
	sessions, err := b.store.ListChatSessionsByAgent(agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for agent %d: %w", agentID, err)
	}
	stats := &models.AgentStats{AgentID: agentID, SessionsByStatus: make(map[models.SessionStatus]int)}
	for _, s := range sessions {
		stats.TotalSessions++
		stats.SessionsByStatus[s.Status]++
		if s.Status == models.SessionStatusActive {
			stats.ActiveSessions++
		}
	}
	return stats, nil
}

// Sweep ends idle sessions and drops expired pending requests. Wall-clock
// deadlines are evaluated here, by polling, not by per-session timers.
func (b *Broker) Sweep(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	var idle []string
	for key, s := range b.sessions {
		if now.Sub(s.LastActivityAt) >= b.idleTimeout {
			idle = append(idle, key)
		}
	}
	var expired []*pendingRequest
	var kept []*pendingRequest
	for _, req := range b.pending {
		if now.Sub(req.RequestedAt) >= b.pendingTimeout {
			expired = append(expired, req)
		} else {
			kept = append(kept, req)
		}
	}
	b.pending = kept
	b.mu.Unlock()

	for _, key := range idle {
		if err := b.EndSession(ctx, key, models.SessionStatusTimeout); err != nil {
			slog.Error("Broker idle sweep failed to end session", "error", err, "sessionKey", key)
		}
	}
	for _, req := range expired {
		slog.Info("Broker connection request timed out", "contact", req.ContactPhone)
		b.notify(ctx, req.ContactPhone, "Sorry, no agent was available. Please try again later.")
	}
}

// Run drives the timeout sweep until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	slog.Info("Broker sweep loop started", "interval", b.sweepInterval)
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Broker sweep loop stopped")
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// PendingCount reports the current depth of the connection queue.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// notify sends a system message, logging failures instead of propagating
// them; notifications are best effort.
func (b *Broker) notify(ctx context.Context, to, content string) {
	if _, denial, err := b.sender.Send(ctx, to, content, models.MessageTypeSystem, nil); err != nil {
		slog.Error("Broker notification failed", "error", err, "to", to)
	} else if denial != nil {
		slog.Warn("Broker notification rate limited", "to", to, "window", denial.Window)
	}
}
