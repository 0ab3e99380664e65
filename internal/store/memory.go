// Package store provides storage backends for SMSFlow.
//
// This file implements the in-memory store used by tests and local
// development. It enforces the same uniqueness constraints as the SQL
// backends so race-sensitive logic behaves identically under test.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

type counterID struct {
	phone       string
	window      models.RateWindow
	windowStart time.Time
}

type stateID struct {
	programID int64
	contactID int64
}

// InMemoryStore is a mutex-guarded map-backed Store implementation.
type InMemoryStore struct {
	mu sync.Mutex

	nextContactID    int64
	nextGroupID      int64
	nextProgramID    int64
	nextAssignmentID int64
	nextAgentID      int64

	contacts     map[int64]models.Contact
	phoneIndex   map[string]int64
	groups       map[int64]models.Group
	groupMembers map[int64][]int64
	programs     map[int64]models.ProgramDefinition
	assignments  map[int64]models.ProgramAssignment
	states       map[stateID]models.ProgramState
	agents       map[int64]models.Agent
	sessions     map[string]models.ChatSession
	broadcasts   map[string]models.Broadcast
	recipients   map[string][]models.BroadcastRecipient
	counters     map[counterID]int
	messages     map[string]models.Message
	messageOrder []string
	settings     map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts:     make(map[int64]models.Contact),
		phoneIndex:   make(map[string]int64),
		groups:       make(map[int64]models.Group),
		groupMembers: make(map[int64][]int64),
		programs:     make(map[int64]models.ProgramDefinition),
		assignments:  make(map[int64]models.ProgramAssignment),
		states:       make(map[stateID]models.ProgramState),
		agents:       make(map[int64]models.Agent),
		sessions:     make(map[string]models.ChatSession),
		broadcasts:   make(map[string]models.Broadcast),
		recipients:   make(map[string][]models.BroadcastRecipient),
		counters:     make(map[counterID]int),
		messages:     make(map[string]models.Message),
		settings:     make(map[string]string),
	}
}

func (s *InMemoryStore) CreateContact(c models.Contact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Phone == "" {
		return 0, models.ErrEmptyPhone
	}
	if _, exists := s.phoneIndex[c.Phone]; exists {
		return 0, models.ErrDuplicatePhone
	}
	s.nextContactID++
	c.ID = s.nextContactID
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.contacts[c.ID] = c
	s.phoneIndex[c.Phone] = c.ID
	return c.ID, nil
}

func (s *InMemoryStore) GetContactByID(id int64) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetContactByPhone(phone string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.phoneIndex[phone]; ok {
		c := s.contacts[id]
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListActiveContactsByIDs(ids []int64) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, id := range ids {
		if c, ok := s.contacts[id]; ok && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateGroup(g models.Group) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGroupID++
	g.ID = s.nextGroupID
	g.CreatedAt = time.Now()
	s.groups[g.ID] = g
	return g.ID, nil
}

func (s *InMemoryStore) GetGroup(id int64) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; ok {
		return &g, nil
	}
	return nil, nil
}

func (s *InMemoryStore) AddContactToGroup(groupID, contactID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return models.ErrGroupNotFound
	}
	if _, ok := s.contacts[contactID]; !ok {
		return models.ErrContactNotFound
	}
	for _, id := range s.groupMembers[groupID] {
		if id == contactID {
			return nil
		}
	}
	s.groupMembers[groupID] = append(s.groupMembers[groupID], contactID)
	return nil
}

func (s *InMemoryStore) ListActiveGroupContacts(groupID int64) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, id := range s.groupMembers[groupID] {
		if c, ok := s.contacts[id]; ok && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateProgram(p models.ProgramDefinition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProgramID++
	p.ID = s.nextProgramID
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.programs[p.ID] = p
	return p.ID, nil
}

func (s *InMemoryStore) UpdateProgram(p models.ProgramDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.programs[p.ID]; !ok {
		return models.ErrProgramNotFound
	}
	p.UpdatedAt = time.Now()
	s.programs[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetProgram(id int64) (*models.ProgramDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.programs[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListBasePrograms() ([]models.ProgramDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramDefinition
	for _, p := range s.programs {
		if p.IsBase && p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListProgramsAssignedToContact(contactID int64) ([]models.ProgramDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memberOf := make(map[int64]bool)
	for gid, members := range s.groupMembers {
		for _, cid := range members {
			if cid == contactID {
				memberOf[gid] = true
			}
		}
	}

	seen := make(map[int64]bool)
	var out []models.ProgramDefinition
	for _, a := range s.assignments {
		if !a.Active {
			continue
		}
		matched := (a.ContactID != nil && *a.ContactID == contactID) ||
			(a.GroupID != nil && memberOf[*a.GroupID])
		if !matched || seen[a.ProgramID] {
			continue
		}
		if p, ok := s.programs[a.ProgramID]; ok && p.IsActive {
			seen[a.ProgramID] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CreateAssignment(a models.ProgramAssignment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAssignmentID++
	a.ID = s.nextAssignmentID
	a.CreatedAt = time.Now()
	s.assignments[a.ID] = a
	return a.ID, nil
}

func (s *InMemoryStore) GetProgramState(programID, contactID int64) (*models.ProgramState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[stateID{programID, contactID}]; ok {
		cp := st
		cp.Variables = copyVars(st.Variables)
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveProgramState(st models.ProgramState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateID{st.ProgramID, st.ContactID}
	now := time.Now()
	if existing, ok := s.states[key]; ok {
		st.CreatedAt = existing.CreatedAt
	} else {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	st.Variables = copyVars(st.Variables)
	s.states[key] = st
	return nil
}

func (s *InMemoryStore) DeleteProgramState(programID, contactID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateID{programID, contactID})
	return nil
}

func (s *InMemoryStore) ListDueProgramStates(now time.Time) ([]models.ProgramState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramState
	for _, st := range s.states {
		if !st.IsPaused && !st.Completed && st.NextActionAt != nil && !st.NextActionAt.After(now) {
			cp := st
			cp.Variables = copyVars(st.Variables)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListProgramStates(programID int64) ([]models.ProgramState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramState
	for _, st := range s.states {
		if st.ProgramID == programID {
			cp := st
			cp.Variables = copyVars(st.Variables)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateAgent(a models.Agent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Phone == "" {
		return 0, models.ErrEmptyPhone
	}
	for _, existing := range s.agents {
		if existing.Phone == a.Phone {
			return 0, models.ErrDuplicatePhone
		}
	}
	s.nextAgentID++
	a.ID = s.nextAgentID
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.agents[a.ID] = a
	return a.ID, nil
}

func (s *InMemoryStore) GetAgentByID(id int64) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetAgentByPhone(phone string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Phone == phone {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListAvailableAgents() ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Agent
	for _, a := range s.agents {
		if a.IsActive && a.IsAvailable {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpdateAgentAvailability(id int64, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return models.ErrAgentNotFound
	}
	a.IsAvailable = available
	a.UpdatedAt = time.Now()
	s.agents[id] = a
	return nil
}

func (s *InMemoryStore) CreateChatSession(cs models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cs.SessionKey] = cs
	return nil
}

func (s *InMemoryStore) UpdateChatSession(cs models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[cs.SessionKey]; !ok {
		return models.ErrSessionNotFound
	}
	s.sessions[cs.SessionKey] = cs
	return nil
}

func (s *InMemoryStore) GetChatSession(sessionKey string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.sessions[sessionKey]; ok {
		return &cs, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListActiveChatSessions() ([]models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChatSession
	for _, cs := range s.sessions {
		if cs.Status == models.SessionStatusActive {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListChatSessionsByAgent(agentID int64) ([]models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChatSession
	for _, cs := range s.sessions {
		if cs.AgentID == agentID {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateBroadcastWithRecipients(b models.Broadcast, recipients []models.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if seen[r.Phone] {
			return models.ErrDuplicatePhone
		}
		seen[r.Phone] = true
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	s.broadcasts[b.ID] = b
	s.recipients[b.ID] = append([]models.BroadcastRecipient(nil), recipients...)
	return nil
}

func (s *InMemoryStore) GetBroadcast(id string) (*models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.broadcasts[id]; ok {
		return &b, nil
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateBroadcast(b models.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.broadcasts[b.ID]; !ok {
		return models.ErrBroadcastNotFound
	}
	b.UpdatedAt = time.Now()
	s.broadcasts[b.ID] = b
	return nil
}

func (s *InMemoryStore) ListScheduledBroadcastsDue(now time.Time) ([]models.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Broadcast
	for _, b := range s.broadcasts {
		if b.Status == models.BroadcastStatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListBroadcastRecipients(broadcastID string) ([]models.BroadcastRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BroadcastRecipient(nil), s.recipients[broadcastID]...), nil
}

func (s *InMemoryStore) UpdateBroadcastRecipient(r models.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.recipients[r.BroadcastID]
	for i := range list {
		if list[i].Phone == r.Phone {
			list[i] = r
			return nil
		}
	}
	return models.ErrBroadcastNotFound
}

func (s *InMemoryStore) CountRecipientsByStatus(broadcastID string) (map[models.RecipientStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.RecipientStatus]int)
	for _, r := range s.recipients[broadcastID] {
		out[r.Status]++
	}
	return out, nil
}

func (s *InMemoryStore) MarkPendingRecipientsCancelled(broadcastID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.recipients[broadcastID]
	for i := range list {
		if list[i].Status == models.RecipientStatusPending {
			list[i].Status = models.RecipientStatusCancelled
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) IncrementRateCounter(phone *string, window models.RateWindow, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterID{counterKey(phone), window, windowStart.UTC()}]++
	return nil
}

func (s *InMemoryStore) GetRateCount(phone *string, window models.RateWindow, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterID{counterKey(phone), window, windowStart.UTC()}], nil
}

func (s *InMemoryStore) DeleteRateCountersBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.counters {
		if id.windowStart.Before(cutoff.UTC()) {
			delete(s.counters, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ID] = m
	s.messageOrder = append(s.messageOrder, m.ID)
	return nil
}

func (s *InMemoryStore) UpdateMessageStatus(id string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	m.Status = status
	s.messages[id] = m
	return nil
}

// Messages returns the full message log in insertion order (for tests).
func (s *InMemoryStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.messageOrder))
	for _, id := range s.messageOrder {
		out = append(out, s.messages[id])
	}
	return out
}

// MessagesTo returns the messages sent to a phone, in insertion order (for tests).
func (s *InMemoryStore) MessagesTo(phone string) []models.Message {
	var out []models.Message
	for _, m := range s.Messages() {
		if m.Phone == phone && m.Direction == models.DirectionOutbound {
			out = append(out, m)
		}
	}
	return out
}

func (s *InMemoryStore) GetSetting(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key], nil
}

func (s *InMemoryStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[strings.TrimSpace(key)] = value
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func copyVars(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
