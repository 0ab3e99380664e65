// Package program executes scripted message programs as one state machine
// instance per (program, contact) pair.
//
// Programs are tagged-union step graphs (message, delay, condition, input,
// agent_connect). Base programs evaluate for every contact on every inbound
// message; assigned programs evaluate only for their contacts. State is
// created lazily at the program's start step, advanced step by step until a
// step has to wait (delay, input, agent handoff) or the graph ends, and
// persisted after every transition. A periodic tick re-executes states
// whose scheduled delay has elapsed.
package program

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

const (
	// DefaultTickInterval is how often the delay scheduler re-executes
	// due states.
	DefaultTickInterval = 10 * time.Second
	// DefaultSystemName is the value of the system_name built-in variable
	// when none is configured.
	DefaultSystemName = "SMSFlow"
	// maxStepsPerPass bounds one evaluation pass so a cyclic condition
	// graph cannot spin forever.
	maxStepsPerPass = 100
)

// MessageSender is the outbound surface the engine sends through.
// Implemented by messaging.Gateway.
type MessageSender interface {
	Send(ctx context.Context, to, content string, msgType models.MessageType, metadata map[string]string) (string, *models.RateLimitDenial, error)
}

// AgentNotifier receives connection requests from agent_connect steps.
// Implemented by agent.Broker; wired after construction to break the
// mutual dependency between the engine and the broker.
type AgentNotifier interface {
	RequestConnection(ctx context.Context, contact models.Contact, message string) error
}

// Opts holds configuration options for the engine.
type Opts struct {
	SystemName   string
	TickInterval time.Duration
}

// Option configures engine construction.
type Option func(*Opts)

// WithSystemName sets the system_name built-in variable.
func WithSystemName(name string) Option {
	return func(o *Opts) { o.SystemName = name }
}

// WithTickInterval sets the delay scheduler tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// Engine owns all program state and is the only component that mutates it.
type Engine struct {
	store      store.Store
	sender     MessageSender
	systemName string
	tick       time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	agents AgentNotifier
}

// NewEngine creates an engine over the given store and sender.
func NewEngine(st store.Store, sender MessageSender, opts ...Option) *Engine {
	cfg := Opts{SystemName: DefaultSystemName, TickInterval: DefaultTickInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:      st,
		sender:     sender,
		systemName: cfg.SystemName,
		tick:       cfg.TickInterval,
		now:        time.Now,
	}
}

// SetAgentNotifier wires the agent broker in. Until it is set,
// agent_connect steps pause the program without raising a request.
func (e *Engine) SetAgentNotifier(n AgentNotifier) {
	e.mu.Lock()
	e.agents = n
	e.mu.Unlock()
}

func (e *Engine) agentNotifier() AgentNotifier {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agents
}

// CreateProgram validates and stores a program definition. Malformed
// definitions are rejected here, never at execution time.
func (e *Engine) CreateProgram(p models.ProgramDefinition) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid program definition: %w", err)
	}
	id, err := e.store.CreateProgram(p)
	if err != nil {
		return 0, fmt.Errorf("failed to create program: %w", err)
	}
	slog.Info("Program created", "id", id, "name", p.Name, "base", p.IsBase)
	return id, nil
}

// UpdateProgram validates and replaces a stored program definition.
func (e *Engine) UpdateProgram(p models.ProgramDefinition) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid program definition: %w", err)
	}
	existing, err := e.store.GetProgram(p.ID)
	if err != nil {
		return fmt.Errorf("failed to load program %d: %w", p.ID, err)
	}
	if existing == nil {
		return models.ErrProgramNotFound
	}
	if err := e.store.UpdateProgram(p); err != nil {
		return fmt.Errorf("failed to update program %d: %w", p.ID, err)
	}
	slog.Info("Program updated", "id", p.ID, "name", p.Name)
	return nil
}

// HandleInbound evaluates every base program and every program assigned to
// the contact against one inbound message. Each program consumes the
// message independently; a failure in one program never blocks its
// siblings.
func (e *Engine) HandleInbound(ctx context.Context, contact models.Contact, body string) error {
	base, err := e.store.ListBasePrograms()
	if err != nil {
		return fmt.Errorf("failed to list base programs: %w", err)
	}
	assigned, err := e.store.ListProgramsAssignedToContact(contact.ID)
	if err != nil {
		return fmt.Errorf("failed to list assigned programs for contact %d: %w", contact.ID, err)
	}

	seen := make(map[int64]bool)
	for _, progs := range [][]models.ProgramDefinition{base, assigned} {
		for i := range progs {
			p := progs[i]
			if seen[p.ID] || !p.IsActive {
				continue
			}
			seen[p.ID] = true
			msg := body
			if err := e.evaluate(ctx, &p, contact, &msg); err != nil {
				slog.Error("Engine program evaluation failed", "error", err, "programID", p.ID, "contactID", contact.ID)
			}
		}
	}
	return nil
}

// Tick re-executes every non-paused state whose scheduled delay has
// elapsed. Safe to call repeatedly; a state advanced past its delay is not
// due again until another delay step schedules it.
func (e *Engine) Tick(ctx context.Context) error {
	due, err := e.store.ListDueProgramStates(e.now())
	if err != nil {
		return fmt.Errorf("failed to list due program states: %w", err)
	}
	for _, st := range due {
		prog, err := e.store.GetProgram(st.ProgramID)
		if err != nil || prog == nil || !prog.IsActive {
			if err != nil {
				slog.Error("Engine tick failed to load program", "error", err, "programID", st.ProgramID)
			}
			continue
		}
		contact, err := e.store.GetContactByID(st.ContactID)
		if err != nil || contact == nil {
			if err != nil {
				slog.Error("Engine tick failed to load contact", "error", err, "contactID", st.ContactID)
			}
			continue
		}
		if err := e.evaluate(ctx, prog, *contact, nil); err != nil {
			slog.Error("Engine tick evaluation failed", "error", err, "programID", st.ProgramID, "contactID", st.ContactID)
		}
	}
	return nil
}

// Run drives the delay scheduler until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine delay scheduler started", "interval", e.tick)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine delay scheduler stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				slog.Error("Engine tick failed", "error", err)
			}
		}
	}
}

// AssignProgram activates a program for the given contacts and groups,
// creating program state for every resolved contact and running each new
// state's first step. Returns how many contacts were resolved.
func (e *Engine) AssignProgram(ctx context.Context, programID int64, contactIDs, groupIDs []int64) (int, error) {
	prog, err := e.store.GetProgram(programID)
	if err != nil {
		return 0, fmt.Errorf("failed to load program %d: %w", programID, err)
	}
	if prog == nil {
		return 0, models.ErrProgramNotFound
	}
	if !prog.IsActive {
		return 0, models.ErrProgramInactive
	}

	for _, cid := range contactIDs {
		id := cid
		if _, err := e.store.CreateAssignment(models.ProgramAssignment{ProgramID: programID, ContactID: &id, Active: true}); err != nil {
			return 0, fmt.Errorf("failed to assign program %d to contact %d: %w", programID, cid, err)
		}
	}
	for _, gid := range groupIDs {
		id := gid
		if _, err := e.store.CreateAssignment(models.ProgramAssignment{ProgramID: programID, GroupID: &id, Active: true}); err != nil {
			return 0, fmt.Errorf("failed to assign program %d to group %d: %w", programID, gid, err)
		}
	}

	contacts, err := e.resolveContacts(contactIDs, groupIDs)
	if err != nil {
		return 0, err
	}
	for _, contact := range contacts {
		st, err := e.store.GetProgramState(programID, contact.ID)
		if err != nil {
			slog.Error("Engine assignment state lookup failed", "error", err, "programID", programID, "contactID", contact.ID)
			continue
		}
		if st != nil {
			continue
		}
		if err := e.evaluate(ctx, prog, contact, nil); err != nil {
			slog.Error("Engine assignment kick-off failed", "error", err, "programID", programID, "contactID", contact.ID)
		}
	}
	slog.Info("Program assigned", "programID", programID, "contacts", len(contacts))
	return len(contacts), nil
}

func (e *Engine) resolveContacts(contactIDs, groupIDs []int64) ([]models.Contact, error) {
	var out []models.Contact
	seen := make(map[int64]bool)

	direct, err := e.store.ListActiveContactsByIDs(contactIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve contacts: %w", err)
	}
	for _, c := range direct {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	for _, gid := range groupIDs {
		members, err := e.store.ListActiveGroupContacts(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve group %d: %w", gid, err)
		}
		for _, c := range members {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// PauseProgram pauses one contact's state, or every state of the program
// when contactID is nil.
func (e *Engine) PauseProgram(programID int64, contactID *int64) error {
	return e.setPaused(programID, contactID, true)
}

// ResumeProgram clears the pause flag and continues execution from the
// current step for every resumed contact. This is the only way a program
// paused by an agent_connect step moves again.
func (e *Engine) ResumeProgram(ctx context.Context, programID int64, contactID *int64) error {
	if err := e.setPaused(programID, contactID, false); err != nil {
		return err
	}
	prog, err := e.store.GetProgram(programID)
	if err != nil {
		return fmt.Errorf("failed to load program %d: %w", programID, err)
	}
	if prog == nil || !prog.IsActive {
		return nil
	}

	states, err := e.targetStates(programID, contactID)
	if err != nil {
		return err
	}
	for _, st := range states {
		contact, err := e.store.GetContactByID(st.ContactID)
		if err != nil || contact == nil {
			continue
		}
		if err := e.evaluate(ctx, prog, *contact, nil); err != nil {
			slog.Error("Engine resume evaluation failed", "error", err, "programID", programID, "contactID", st.ContactID)
		}
	}
	return nil
}

// ResumePausedForContact resumes every paused program state of one
// contact and continues execution. The agent broker calls this when a chat
// session ends, closing the loop opened by an agent_connect step.
func (e *Engine) ResumePausedForContact(ctx context.Context, contactID int64) error {
	contact, err := e.store.GetContactByID(contactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %d: %w", contactID, err)
	}
	if contact == nil {
		return models.ErrContactNotFound
	}

	base, err := e.store.ListBasePrograms()
	if err != nil {
		return fmt.Errorf("failed to list base programs: %w", err)
	}
	assigned, err := e.store.ListProgramsAssignedToContact(contactID)
	if err != nil {
		return fmt.Errorf("failed to list assigned programs for contact %d: %w", contactID, err)
	}

	seen := make(map[int64]bool)
	for _, progs := range [][]models.ProgramDefinition{base, assigned} {
		for i := range progs {
			p := progs[i]
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			st, err := e.store.GetProgramState(p.ID, contactID)
			if err != nil {
				slog.Error("Engine resume state lookup failed", "error", err, "programID", p.ID, "contactID", contactID)
				continue
			}
			if st == nil || !st.IsPaused {
				continue
			}
			st.IsPaused = false
			if err := e.store.SaveProgramState(*st); err != nil {
				slog.Error("Engine resume save failed", "error", err, "programID", p.ID, "contactID", contactID)
				continue
			}
			if !p.IsActive {
				continue
			}
			if err := e.evaluate(ctx, &p, *contact, nil); err != nil {
				slog.Error("Engine resume evaluation failed", "error", err, "programID", p.ID, "contactID", contactID)
			}
		}
	}
	return nil
}

func (e *Engine) setPaused(programID int64, contactID *int64, paused bool) error {
	states, err := e.targetStates(programID, contactID)
	if err != nil {
		return err
	}
	for _, st := range states {
		st.IsPaused = paused
		if err := e.store.SaveProgramState(st); err != nil {
			return fmt.Errorf("failed to save program state (%d, %d): %w", st.ProgramID, st.ContactID, err)
		}
	}
	slog.Debug("Engine pause flag updated", "programID", programID, "paused", paused, "states", len(states))
	return nil
}

func (e *Engine) targetStates(programID int64, contactID *int64) ([]models.ProgramState, error) {
	if contactID != nil {
		st, err := e.store.GetProgramState(programID, *contactID)
		if err != nil {
			return nil, fmt.Errorf("failed to load program state (%d, %d): %w", programID, *contactID, err)
		}
		if st == nil {
			return nil, models.ErrProgramStateNotFound
		}
		return []models.ProgramState{*st}, nil
	}
	states, err := e.store.ListProgramStates(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list program states for %d: %w", programID, err)
	}
	return states, nil
}

// ResetProgramState returns one contact's state to the program's start
// step with empty variables and no pause or schedule.
func (e *Engine) ResetProgramState(programID, contactID int64) error {
	prog, err := e.store.GetProgram(programID)
	if err != nil {
		return fmt.Errorf("failed to load program %d: %w", programID, err)
	}
	if prog == nil {
		return models.ErrProgramNotFound
	}
	st := models.ProgramState{
		ProgramID:     programID,
		ContactID:     contactID,
		CurrentStepID: prog.StartStepID,
		Variables:     map[string]string{},
	}
	if err := e.store.SaveProgramState(st); err != nil {
		return fmt.Errorf("failed to reset program state (%d, %d): %w", programID, contactID, err)
	}
	slog.Info("Program state reset", "programID", programID, "contactID", contactID)
	return nil
}

// GetProgramStats aggregates execution state across a program's contacts.
func (e *Engine) GetProgramStats(programID int64) (*models.ProgramStats, error) {
	prog, err := e.store.GetProgram(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to load program %d: %w", programID, err)
	}
	if prog == nil {
		return nil, models.ErrProgramNotFound
	}
	states, err := e.store.ListProgramStates(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list program states for %d: %w", programID, err)
	}
	stats := &models.ProgramStats{ProgramID: programID, StatesByStep: make(map[string]int)}
	for _, st := range states {
		stats.TotalStates++
		if st.IsPaused {
			stats.PausedStates++
		}
		if st.Completed {
			stats.CompletedStates++
		}
		if st.NextActionAt != nil {
			stats.WaitingStates++
		}
		stats.StatesByStep[st.CurrentStepID]++
	}
	return stats, nil
}
