// Package store provides storage backends for SMSFlow.
//
// This file implements the SQL query core shared by the SQLite and
// PostgreSQL backends. Queries are written with ? placeholders and rebound
// per driver; the backends differ only in driver, placeholder style, and
// migration script.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// sqlStore is the shared implementation backing SQLiteStore and PostgresStore.
type sqlStore struct {
	db       *sql.DB
	rebind   func(string) string
	isUnique func(error) bool
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

const contactColumns = "id, phone, name, active, created_at, updated_at"

func (s *sqlStore) CreateContact(c models.Contact) (int64, error) {
	if c.Phone == "" {
		return 0, models.ErrEmptyPhone
	}
	now := time.Now()
	var id int64
	err := s.queryRow(
		`INSERT INTO contacts (phone, name, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		c.Phone, c.Name, c.Active, now, now).Scan(&id)
	if err != nil {
		if s.isUnique(err) {
			return 0, models.ErrDuplicatePhone
		}
		slog.Error("store CreateContact failed", "error", err, "phone", c.Phone)
		return 0, fmt.Errorf("failed to insert contact %s: %w", c.Phone, err)
	}
	slog.Debug("store CreateContact succeeded", "id", id, "phone", c.Phone)
	return id, nil
}

func (s *sqlStore) GetContactByID(id int64) (*models.Contact, error) {
	row := s.queryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contact %d: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) GetContactByPhone(phone string) (*models.Contact, error) {
	row := s.queryRow(`SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, phone)
	c, err := scanContact(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contact %s: %w", phone, err)
	}
	return &c, nil
}

func (s *sqlStore) ListActiveContactsByIDs(ids []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(
		`SELECT `+contactColumns+` FROM contacts WHERE active AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts by ids: %w", err)
	}
	defer rows.Close()
	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateGroup(g models.Group) (int64, error) {
	var id int64
	err := s.queryRow(
		`INSERT INTO contact_groups (name, description, created_at) VALUES (?, ?, ?) RETURNING id`,
		g.Name, g.Description, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert group %s: %w", g.Name, err)
	}
	return id, nil
}

func (s *sqlStore) GetGroup(id int64) (*models.Group, error) {
	var g models.Group
	err := s.queryRow(`SELECT id, name, description, created_at FROM contact_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group %d: %w", id, err)
	}
	return &g, nil
}

func (s *sqlStore) AddContactToGroup(groupID, contactID int64) error {
	_, err := s.exec(
		`INSERT INTO group_members (group_id, contact_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		groupID, contactID)
	if err != nil {
		return fmt.Errorf("failed to add contact %d to group %d: %w", contactID, groupID, err)
	}
	return nil
}

func (s *sqlStore) ListActiveGroupContacts(groupID int64) ([]models.Contact, error) {
	rows, err := s.query(`
		SELECT c.id, c.phone, c.name, c.active, c.created_at, c.updated_at
		FROM contacts c
		JOIN group_members gm ON gm.contact_id = c.id
		WHERE gm.group_id = ? AND c.active`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query group %d contacts: %w", groupID, err)
	}
	defer rows.Close()
	var out []models.Contact
	for rows.Next() {
		c, err := scanContact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const programColumns = "id, name, start_step_id, steps, is_active, is_base, created_at, updated_at"

func (s *sqlStore) CreateProgram(p models.ProgramDefinition) (int64, error) {
	steps, err := jsonOrNil(p.Steps)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var id int64
	err = s.queryRow(
		`INSERT INTO programs (name, start_step_id, steps, is_active, is_base, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Name, p.StartStepID, steps, p.IsActive, p.IsBase, now, now).Scan(&id)
	if err != nil {
		slog.Error("store CreateProgram failed", "error", err, "name", p.Name)
		return 0, fmt.Errorf("failed to insert program %s: %w", p.Name, err)
	}
	slog.Debug("store CreateProgram succeeded", "id", id, "name", p.Name)
	return id, nil
}

func (s *sqlStore) UpdateProgram(p models.ProgramDefinition) error {
	steps, err := jsonOrNil(p.Steps)
	if err != nil {
		return err
	}
	res, err := s.exec(
		`UPDATE programs SET name = ?, start_step_id = ?, steps = ?, is_active = ?, is_base = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.StartStepID, steps, p.IsActive, p.IsBase, time.Now(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update program %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrProgramNotFound
	}
	return nil
}

func (s *sqlStore) GetProgram(id int64) (*models.ProgramDefinition, error) {
	row := s.queryRow(`SELECT `+programColumns+` FROM programs WHERE id = ?`, id)
	p, err := scanProgram(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query program %d: %w", id, err)
	}
	return &p, nil
}

func (s *sqlStore) ListBasePrograms() ([]models.ProgramDefinition, error) {
	return s.listPrograms(`SELECT ` + programColumns + ` FROM programs WHERE is_base AND is_active ORDER BY id`)
}

func (s *sqlStore) ListProgramsAssignedToContact(contactID int64) ([]models.ProgramDefinition, error) {
	return s.listPrograms(`
		SELECT DISTINCT p.id, p.name, p.start_step_id, p.steps, p.is_active, p.is_base, p.created_at, p.updated_at
		FROM programs p
		JOIN program_assignments a ON a.program_id = p.id
		LEFT JOIN group_members gm ON gm.group_id = a.group_id
		WHERE p.is_active AND a.active AND (a.contact_id = ? OR gm.contact_id = ?)
		ORDER BY p.id`, contactID, contactID)
}

func (s *sqlStore) listPrograms(query string, args ...interface{}) ([]models.ProgramDefinition, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()
	var out []models.ProgramDefinition
	for rows.Next() {
		p, err := scanProgram(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan program row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateAssignment(a models.ProgramAssignment) (int64, error) {
	var contactID, groupID interface{}
	if a.ContactID != nil {
		contactID = *a.ContactID
	}
	if a.GroupID != nil {
		groupID = *a.GroupID
	}
	var id int64
	err := s.queryRow(
		`INSERT INTO program_assignments (program_id, contact_id, group_id, active, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		a.ProgramID, contactID, groupID, a.Active, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert assignment for program %d: %w", a.ProgramID, err)
	}
	return id, nil
}

const stateColumns = "program_id, contact_id, current_step_id, variables, is_paused, completed, next_action_at, created_at, updated_at"

func (s *sqlStore) GetProgramState(programID, contactID int64) (*models.ProgramState, error) {
	row := s.queryRow(
		`SELECT `+stateColumns+` FROM program_states WHERE program_id = ? AND contact_id = ?`,
		programID, contactID)
	st, err := scanProgramState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query program state (%d, %d): %w", programID, contactID, err)
	}
	return &st, nil
}

// SaveProgramState upserts on the (program_id, contact_id) primary key; the
// constraint is the backstop against duplicate lazy creation.
func (s *sqlStore) SaveProgramState(st models.ProgramState) error {
	variables, err := jsonOrNil(st.Variables)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.exec(`
		INSERT INTO program_states (program_id, contact_id, current_step_id, variables, is_paused, completed, next_action_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (program_id, contact_id) DO UPDATE SET
			current_step_id = excluded.current_step_id,
			variables = excluded.variables,
			is_paused = excluded.is_paused,
			completed = excluded.completed,
			next_action_at = excluded.next_action_at,
			updated_at = excluded.updated_at`,
		st.ProgramID, st.ContactID, st.CurrentStepID, variables, st.IsPaused, st.Completed,
		nullableTime(st.NextActionAt), now, now)
	if err != nil {
		slog.Error("store SaveProgramState failed", "error", err, "programID", st.ProgramID, "contactID", st.ContactID)
		return fmt.Errorf("failed to save program state (%d, %d): %w", st.ProgramID, st.ContactID, err)
	}
	return nil
}

func (s *sqlStore) DeleteProgramState(programID, contactID int64) error {
	_, err := s.exec(
		`DELETE FROM program_states WHERE program_id = ? AND contact_id = ?`, programID, contactID)
	if err != nil {
		return fmt.Errorf("failed to delete program state (%d, %d): %w", programID, contactID, err)
	}
	return nil
}

func (s *sqlStore) ListDueProgramStates(now time.Time) ([]models.ProgramState, error) {
	return s.listProgramStates(
		`SELECT `+stateColumns+` FROM program_states WHERE NOT is_paused AND NOT completed AND next_action_at IS NOT NULL AND next_action_at <= ?`,
		now)
}

func (s *sqlStore) ListProgramStates(programID int64) ([]models.ProgramState, error) {
	return s.listProgramStates(
		`SELECT `+stateColumns+` FROM program_states WHERE program_id = ?`, programID)
}

func (s *sqlStore) listProgramStates(query string, args ...interface{}) ([]models.ProgramState, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query program states: %w", err)
	}
	defer rows.Close()
	var out []models.ProgramState
	for rows.Next() {
		st, err := scanProgramState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan program state row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const agentColumns = "id, phone, name, is_active, is_available, trigger_words, max_concurrent_chats, created_at, updated_at"

func (s *sqlStore) CreateAgent(a models.Agent) (int64, error) {
	if a.Phone == "" {
		return 0, models.ErrEmptyPhone
	}
	triggerWords, err := jsonOrNil(a.TriggerWords)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var id int64
	err = s.queryRow(
		`INSERT INTO agents (phone, name, is_active, is_available, trigger_words, max_concurrent_chats, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		a.Phone, a.Name, a.IsActive, a.IsAvailable, triggerWords, a.MaxConcurrentChats, now, now).Scan(&id)
	if err != nil {
		if s.isUnique(err) {
			return 0, models.ErrDuplicatePhone
		}
		slog.Error("store CreateAgent failed", "error", err, "phone", a.Phone)
		return 0, fmt.Errorf("failed to insert agent %s: %w", a.Phone, err)
	}
	slog.Debug("store CreateAgent succeeded", "id", id, "phone", a.Phone)
	return id, nil
}

func (s *sqlStore) GetAgentByID(id int64) (*models.Agent, error) {
	row := s.queryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent %d: %w", id, err)
	}
	return &a, nil
}

func (s *sqlStore) GetAgentByPhone(phone string) (*models.Agent, error) {
	row := s.queryRow(`SELECT `+agentColumns+` FROM agents WHERE phone = ?`, phone)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent %s: %w", phone, err)
	}
	return &a, nil
}

func (s *sqlStore) ListAvailableAgents() ([]models.Agent, error) {
	rows, err := s.query(`SELECT ` + agentColumns + ` FROM agents WHERE is_active AND is_available ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query available agents: %w", err)
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateAgentAvailability(id int64, available bool) error {
	res, err := s.exec(
		`UPDATE agents SET is_available = ?, updated_at = ? WHERE id = ?`, available, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent %d availability: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAgentNotFound
	}
	return nil
}

const sessionColumns = "session_key, contact_id, contact_phone, agent_id, agent_phone, status, started_at, last_activity_at, ended_at"

func (s *sqlStore) CreateChatSession(cs models.ChatSession) error {
	_, err := s.exec(
		`INSERT INTO chat_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.SessionKey, cs.ContactID, cs.ContactPhone, cs.AgentID, cs.AgentPhone,
		cs.Status, cs.StartedAt, cs.LastActivityAt, nullableTime(cs.EndedAt))
	if err != nil {
		slog.Error("store CreateChatSession failed", "error", err, "sessionKey", cs.SessionKey)
		return fmt.Errorf("failed to insert chat session %s: %w", cs.SessionKey, err)
	}
	return nil
}

func (s *sqlStore) UpdateChatSession(cs models.ChatSession) error {
	res, err := s.exec(
		`UPDATE chat_sessions SET status = ?, last_activity_at = ?, ended_at = ? WHERE session_key = ?`,
		cs.Status, cs.LastActivityAt, nullableTime(cs.EndedAt), cs.SessionKey)
	if err != nil {
		return fmt.Errorf("failed to update chat session %s: %w", cs.SessionKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *sqlStore) GetChatSession(sessionKey string) (*models.ChatSession, error) {
	row := s.queryRow(`SELECT `+sessionColumns+` FROM chat_sessions WHERE session_key = ?`, sessionKey)
	cs, err := scanChatSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat session %s: %w", sessionKey, err)
	}
	return &cs, nil
}

func (s *sqlStore) ListActiveChatSessions() ([]models.ChatSession, error) {
	return s.listChatSessions(`SELECT `+sessionColumns+` FROM chat_sessions WHERE status = ?`, models.SessionStatusActive)
}

func (s *sqlStore) ListChatSessionsByAgent(agentID int64) ([]models.ChatSession, error) {
	return s.listChatSessions(`SELECT `+sessionColumns+` FROM chat_sessions WHERE agent_id = ?`, agentID)
}

func (s *sqlStore) listChatSessions(query string, args ...interface{}) ([]models.ChatSession, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat sessions: %w", err)
	}
	defer rows.Close()
	var out []models.ChatSession
	for rows.Next() {
		cs, err := scanChatSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat session row: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

const broadcastColumns = "id, name, content, target_group_ids, target_contact_ids, status, recipient_count, sent_count, failed_count, scheduled_at, created_by, created_at, updated_at"

// CreateBroadcastWithRecipients persists a broadcast and its resolved
// recipient rows in a single transaction. The (broadcast_id, phone) primary
// key rejects duplicate phones, rolling back the whole creation.
func (s *sqlStore) CreateBroadcastWithRecipients(b models.Broadcast, recipients []models.BroadcastRecipient) error {
	groupIDs, err := jsonOrNil(b.TargetGroupIDs)
	if err != nil {
		return err
	}
	contactIDs, err := jsonOrNil(b.TargetContactIDs)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin broadcast transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(s.rebind(
		`INSERT INTO broadcasts (`+broadcastColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.Name, b.Content, groupIDs, contactIDs, b.Status,
		b.RecipientCount, b.SentCount, b.FailedCount, nullableTime(b.ScheduledAt),
		b.CreatedBy, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert broadcast %s: %w", b.ID, err)
	}

	insertRecipient := s.rebind(
		`INSERT INTO broadcast_recipients (broadcast_id, contact_id, group_id, phone, status, error, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range recipients {
		var contactID, groupID interface{}
		if r.ContactID != nil {
			contactID = *r.ContactID
		}
		if r.GroupID != nil {
			groupID = *r.GroupID
		}
		if _, err := tx.Exec(insertRecipient, b.ID, contactID, groupID, r.Phone, r.Status, r.Error, nullableTime(r.SentAt)); err != nil {
			return fmt.Errorf("failed to insert broadcast recipient %s: %w", r.Phone, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit broadcast %s: %w", b.ID, err)
	}
	slog.Debug("store CreateBroadcastWithRecipients succeeded", "broadcastID", b.ID, "recipients", len(recipients))
	return nil
}

func (s *sqlStore) GetBroadcast(id string) (*models.Broadcast, error) {
	row := s.queryRow(`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id)
	b, err := scanBroadcast(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast %s: %w", id, err)
	}
	return &b, nil
}

func (s *sqlStore) UpdateBroadcast(b models.Broadcast) error {
	res, err := s.exec(
		`UPDATE broadcasts SET status = ?, recipient_count = ?, sent_count = ?, failed_count = ?, scheduled_at = ?, updated_at = ?
		 WHERE id = ?`,
		b.Status, b.RecipientCount, b.SentCount, b.FailedCount, nullableTime(b.ScheduledAt), time.Now(), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update broadcast %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrBroadcastNotFound
	}
	return nil
}

func (s *sqlStore) ListScheduledBroadcastsDue(now time.Time) ([]models.Broadcast, error) {
	rows, err := s.query(
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?`,
		models.BroadcastStatusScheduled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due broadcasts: %w", err)
	}
	defer rows.Close()
	var out []models.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broadcast row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListBroadcastRecipients(broadcastID string) ([]models.BroadcastRecipient, error) {
	rows, err := s.query(
		`SELECT broadcast_id, contact_id, group_id, phone, status, error, sent_at
		 FROM broadcast_recipients WHERE broadcast_id = ? ORDER BY phone`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast %s recipients: %w", broadcastID, err)
	}
	defer rows.Close()
	var out []models.BroadcastRecipient
	for rows.Next() {
		r, err := scanBroadcastRecipient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broadcast recipient row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateBroadcastRecipient(r models.BroadcastRecipient) error {
	_, err := s.exec(
		`UPDATE broadcast_recipients SET status = ?, error = ?, sent_at = ? WHERE broadcast_id = ? AND phone = ?`,
		r.Status, r.Error, nullableTime(r.SentAt), r.BroadcastID, r.Phone)
	if err != nil {
		return fmt.Errorf("failed to update broadcast recipient %s/%s: %w", r.BroadcastID, r.Phone, err)
	}
	return nil
}

func (s *sqlStore) CountRecipientsByStatus(broadcastID string) (map[models.RecipientStatus]int, error) {
	rows, err := s.query(
		`SELECT status, COUNT(*) FROM broadcast_recipients WHERE broadcast_id = ? GROUP BY status`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("failed to count broadcast %s recipients: %w", broadcastID, err)
	}
	defer rows.Close()
	out := make(map[models.RecipientStatus]int)
	for rows.Next() {
		var status models.RecipientStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan recipient count row: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkPendingRecipientsCancelled(broadcastID string) (int, error) {
	res, err := s.exec(
		`UPDATE broadcast_recipients SET status = ? WHERE broadcast_id = ? AND status = ?`,
		models.RecipientStatusCancelled, broadcastID, models.RecipientStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel broadcast %s recipients: %w", broadcastID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IncrementRateCounter performs a unique-constraint-backed upsert so that
// check-then-increment races cannot lose counts.
func (s *sqlStore) IncrementRateCounter(phone *string, window models.RateWindow, windowStart time.Time) error {
	_, err := s.exec(`
		INSERT INTO rate_counters (phone, time_window, window_start, count) VALUES (?, ?, ?, 1)
		ON CONFLICT (phone, time_window, window_start) DO UPDATE SET count = rate_counters.count + 1`,
		counterKey(phone), window, windowStart.UTC())
	if err != nil {
		slog.Error("store IncrementRateCounter failed", "error", err, "window", window)
		return fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRateCount(phone *string, window models.RateWindow, windowStart time.Time) (int, error) {
	var count int
	err := s.queryRow(
		`SELECT count FROM rate_counters WHERE phone = ? AND time_window = ? AND window_start = ?`,
		counterKey(phone), window, windowStart.UTC()).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query rate counter: %w", err)
	}
	return count, nil
}

func (s *sqlStore) DeleteRateCountersBefore(cutoff time.Time) (int, error) {
	res, err := s.exec(`DELETE FROM rate_counters WHERE window_start < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim rate counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) AddMessage(m models.Message) error {
	metadata, err := jsonOrNil(m.Metadata)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err = s.exec(
		`INSERT INTO messages (id, phone, direction, type, content, status, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Phone, m.Direction, m.Type, m.Content, m.Status, metadata, m.CreatedAt)
	if err != nil {
		slog.Error("store AddMessage failed", "error", err, "phone", m.Phone)
		return fmt.Errorf("failed to insert message for %s: %w", m.Phone, err)
	}
	return nil
}

func (s *sqlStore) UpdateMessageStatus(id string, status models.MessageStatus) error {
	_, err := s.exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update message %s status: %w", id, err)
	}
	return nil
}

func (s *sqlStore) GetSetting(key string) (string, error) {
	var value string
	err := s.queryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return value, nil
}

func (s *sqlStore) SetSetting(key, value string) error {
	_, err := s.exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection")
	return s.db.Close()
}
