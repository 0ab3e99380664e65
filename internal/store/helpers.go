package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

// jsonOrNil marshals v to a JSON string, or nil for empty values, for
// nullable JSON columns.
func jsonOrNil(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []int64:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

// unmarshalInto decodes a nullable JSON column into target, leaving target
// untouched when the column was NULL or empty.
func unmarshalInto(raw sql.NullString, target interface{}) {
	if !raw.Valid || raw.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw.String), target); err != nil {
		slog.Error("store: failed to decode JSON column, continuing with zero value", "error", err)
	}
}

// nullableTime converts a *time.Time to a driver value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// timePtr converts a sql.NullTime back to a *time.Time.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// scanContact scans a contact row from either SQL backend.
func scanContact(scan func(dest ...interface{}) error) (models.Contact, error) {
	var c models.Contact
	err := scan(&c.ID, &c.Phone, &c.Name, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// scanAgent scans an agent row from either SQL backend.
func scanAgent(scan func(dest ...interface{}) error) (models.Agent, error) {
	var a models.Agent
	var triggerWords sql.NullString
	err := scan(&a.ID, &a.Phone, &a.Name, &a.IsActive, &a.IsAvailable,
		&triggerWords, &a.MaxConcurrentChats, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	unmarshalInto(triggerWords, &a.TriggerWords)
	return a, nil
}

// scanProgram scans a program row from either SQL backend.
func scanProgram(scan func(dest ...interface{}) error) (models.ProgramDefinition, error) {
	var p models.ProgramDefinition
	var steps sql.NullString
	err := scan(&p.ID, &p.Name, &p.StartStepID, &steps, &p.IsActive, &p.IsBase, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	unmarshalInto(steps, &p.Steps)
	return p, nil
}

// scanProgramState scans a program state row from either SQL backend.
func scanProgramState(scan func(dest ...interface{}) error) (models.ProgramState, error) {
	var st models.ProgramState
	var variables sql.NullString
	var nextActionAt sql.NullTime
	err := scan(&st.ProgramID, &st.ContactID, &st.CurrentStepID, &variables,
		&st.IsPaused, &st.Completed, &nextActionAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	unmarshalInto(variables, &st.Variables)
	st.NextActionAt = timePtr(nextActionAt)
	return st, nil
}

// scanChatSession scans a chat session row from either SQL backend.
func scanChatSession(scan func(dest ...interface{}) error) (models.ChatSession, error) {
	var cs models.ChatSession
	var endedAt sql.NullTime
	err := scan(&cs.SessionKey, &cs.ContactID, &cs.ContactPhone, &cs.AgentID,
		&cs.AgentPhone, &cs.Status, &cs.StartedAt, &cs.LastActivityAt, &endedAt)
	if err != nil {
		return cs, err
	}
	cs.EndedAt = timePtr(endedAt)
	return cs, nil
}

// scanBroadcast scans a broadcast row from either SQL backend.
func scanBroadcast(scan func(dest ...interface{}) error) (models.Broadcast, error) {
	var b models.Broadcast
	var groupIDs, contactIDs sql.NullString
	var scheduledAt sql.NullTime
	err := scan(&b.ID, &b.Name, &b.Content, &groupIDs, &contactIDs, &b.Status,
		&b.RecipientCount, &b.SentCount, &b.FailedCount, &scheduledAt,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	unmarshalInto(groupIDs, &b.TargetGroupIDs)
	unmarshalInto(contactIDs, &b.TargetContactIDs)
	b.ScheduledAt = timePtr(scheduledAt)
	return b, nil
}

// scanBroadcastRecipient scans a broadcast recipient row from either SQL backend.
func scanBroadcastRecipient(scan func(dest ...interface{}) error) (models.BroadcastRecipient, error) {
	var r models.BroadcastRecipient
	var contactID, groupID sql.NullInt64
	var sentAt sql.NullTime
	err := scan(&r.BroadcastID, &contactID, &groupID, &r.Phone, &r.Status, &r.Error, &sentAt)
	if err != nil {
		return r, err
	}
	if contactID.Valid {
		r.ContactID = &contactID.Int64
	}
	if groupID.Valid {
		r.GroupID = &groupID.Int64
	}
	r.SentAt = timePtr(sentAt)
	return r, nil
}
