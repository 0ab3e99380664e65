// Package models defines program and step structures for the program engine.
//
// A program is a finite-state machine whose nodes are steps. Steps are a
// tagged union: every step carries its kind plus the fields that kind uses,
// and is validated at program creation time so the engine never has to parse
// malformed data at execution time.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StepKind identifies the behavior of a program step.
type StepKind string

const (
	// StepKindMessage sends templated text and advances.
	StepKindMessage StepKind = "message"
	// StepKindDelay suspends execution until a wall-clock deadline.
	StepKindDelay StepKind = "delay"
	// StepKindCondition branches on the user's latest reply.
	StepKindCondition StepKind = "condition"
	// StepKindInput captures and validates a reply into a state variable.
	StepKindInput StepKind = "input"
	// StepKindAgentConnect requests human hand-off and pauses the program.
	StepKindAgentConnect StepKind = "agent_connect"
)

// IsValidStepKind checks if the given step kind is supported.
func IsValidStepKind(k StepKind) bool {
	switch k {
	case StepKindMessage, StepKindDelay, StepKindCondition, StepKindInput, StepKindAgentConnect:
		return true
	default:
		return false
	}
}

// MatchKind identifies how a condition compares the user's reply.
type MatchKind string

const (
	MatchEquals      MatchKind = "equals"
	MatchContains    MatchKind = "contains"
	MatchStartsWith  MatchKind = "starts_with"
	MatchRegex       MatchKind = "regex"
	MatchNumberRange MatchKind = "number_range"
)

// ValidatorKind identifies an input validation rule.
type ValidatorKind string

const (
	ValidatorRequired  ValidatorKind = "required"
	ValidatorMinLength ValidatorKind = "min_length"
	ValidatorMaxLength ValidatorKind = "max_length"
	ValidatorNumeric   ValidatorKind = "numeric"
	ValidatorEmail     ValidatorKind = "email"
	ValidatorPhone     ValidatorKind = "phone"
)

// DefaultInputVariable is the variable name used by input steps that do not
// declare one.
const DefaultInputVariable = "user_input"

// Error variables for program validation.
var (
	ErrEmptyProgramName    = errors.New("program name cannot be empty")
	ErrNoSteps             = errors.New("program must define at least one step")
	ErrEmptyStepID         = errors.New("step id cannot be empty")
	ErrDuplicateStepID     = errors.New("duplicate step id")
	ErrUnknownStartStep    = errors.New("start step id does not reference a defined step")
	ErrUnknownNextStep     = errors.New("next step id does not reference a defined step")
	ErrInvalidStepKind     = errors.New("invalid step kind")
	ErrEmptyStepContent    = errors.New("message content is required")
	ErrInvalidDelay        = errors.New("delay seconds must be positive")
	ErrNoConditions        = errors.New("condition step must define at least one condition")
	ErrInvalidMatchKind    = errors.New("invalid condition match kind")
	ErrInvalidRegex        = errors.New("condition regex does not compile")
	ErrInvalidNumberRange  = errors.New("number_range value must be \"min-max\" with numeric bounds")
	ErrInvalidValidator    = errors.New("invalid input validator")
	ErrValidatorNeedsValue = errors.New("validator requires a numeric value")
)

// StepCondition is one ordered branch of a condition step. The first matching
// condition wins.
type StepCondition struct {
	Match      MatchKind `json:"match"`
	Value      string    `json:"value"`
	NextStepID string    `json:"next_step_id"`
}

// InputValidator is one rule in an input step's validator chain.
type InputValidator struct {
	Kind  ValidatorKind `json:"kind"`
	Value string        `json:"value,omitempty"` // used by min_length / max_length
}

// Step is one node of a program's state machine. Kind determines which of the
// remaining fields are meaningful.
type Step struct {
	ID   string   `json:"id"`
	Kind StepKind `json:"kind"`

	// message, agent_connect: text to send. input: unused.
	Content string `json:"content,omitempty"`
	// message, delay, input, agent_connect: unconditional successor.
	NextStepID string `json:"next_step_id,omitempty"`

	// delay
	DelaySeconds int `json:"delay_seconds,omitempty"`

	// condition
	Conditions        []StepCondition `json:"conditions,omitempty"`
	DefaultNextStepID string          `json:"default_next_step_id,omitempty"`

	// input
	VariableName string           `json:"variable_name,omitempty"`
	Validators   []InputValidator `json:"validators,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// ProgramDefinition is a named, reusable automated message sequence.
// Base programs evaluate for every contact on every inbound message.
type ProgramDefinition struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	StartStepID string    `json:"start_step_id"`
	Steps       []Step    `json:"steps"`
	IsActive    bool      `json:"is_active"`
	IsBase      bool      `json:"is_base"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StepByID returns the step with the given id, or nil. Step addressing is
// always by declared id, never by position.
func (p *ProgramDefinition) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Validate performs comprehensive validation on a program definition,
// including that every referenced step id resolves. Malformed programs are
// rejected here, not at execution time.
func (p *ProgramDefinition) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyProgramName
	}
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}

	ids := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		id := p.Steps[i].ID
		if id == "" {
			return ErrEmptyStepID
		}
		if ids[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, id)
		}
		ids[id] = true
	}

	if p.StartStepID == "" || !ids[p.StartStepID] {
		return ErrUnknownStartStep
	}

	for i := range p.Steps {
		if err := p.Steps[i].validate(ids); err != nil {
			return fmt.Errorf("step %s: %w", p.Steps[i].ID, err)
		}
	}
	return nil
}

// validate checks a single step against the set of defined step ids.
func (s *Step) validate(ids map[string]bool) error {
	if !IsValidStepKind(s.Kind) {
		return fmt.Errorf("%w: %s", ErrInvalidStepKind, s.Kind)
	}
	if s.NextStepID != "" && !ids[s.NextStepID] {
		return fmt.Errorf("%w: %s", ErrUnknownNextStep, s.NextStepID)
	}

	switch s.Kind {
	case StepKindMessage:
		if strings.TrimSpace(s.Content) == "" {
			return ErrEmptyStepContent
		}
		if len(s.Content) > MaxMessageLength {
			return ErrContentTooLong
		}
	case StepKindDelay:
		if s.DelaySeconds <= 0 {
			return ErrInvalidDelay
		}
	case StepKindCondition:
		if len(s.Conditions) == 0 {
			return ErrNoConditions
		}
		if s.DefaultNextStepID != "" && !ids[s.DefaultNextStepID] {
			return fmt.Errorf("%w: %s", ErrUnknownNextStep, s.DefaultNextStepID)
		}
		for _, c := range s.Conditions {
			if c.NextStepID == "" || !ids[c.NextStepID] {
				return fmt.Errorf("%w: %s", ErrUnknownNextStep, c.NextStepID)
			}
			if err := c.validate(); err != nil {
				return err
			}
		}
	case StepKindInput:
		for _, v := range s.Validators {
			if err := v.validate(); err != nil {
				return err
			}
		}
	case StepKindAgentConnect:
		// Content is the hand-off message relayed to the agent; optional.
	}
	return nil
}

func (c *StepCondition) validate() error {
	switch c.Match {
	case MatchEquals, MatchContains, MatchStartsWith:
		return nil
	case MatchRegex:
		if _, err := regexp.Compile("(?i)" + c.Value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRegex, err)
		}
		return nil
	case MatchNumberRange:
		if _, _, err := ParseNumberRange(c.Value); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMatchKind, c.Match)
	}
}

func (v *InputValidator) validate() error {
	switch v.Kind {
	case ValidatorRequired, ValidatorNumeric, ValidatorEmail, ValidatorPhone:
		return nil
	case ValidatorMinLength, ValidatorMaxLength:
		if _, err := strconv.Atoi(v.Value); err != nil {
			return fmt.Errorf("%w: %s", ErrValidatorNeedsValue, v.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidValidator, v.Kind)
	}
}

// ParseNumberRange parses a "min-max" bound pair with inclusive float bounds.
func ParseNumberRange(value string) (float64, float64, error) {
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		return 0, 0, ErrInvalidNumberRange
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, ErrInvalidNumberRange
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, ErrInvalidNumberRange
	}
	if lo > hi {
		return 0, 0, ErrInvalidNumberRange
	}
	return lo, hi, nil
}

// ProgramState is the per-contact, per-program execution cursor and captured
// variables. Unique per (program, contact); created lazily on first
// evaluation and destroyed only by explicit reset.
type ProgramState struct {
	ProgramID     int64             `json:"program_id"`
	ContactID     int64             `json:"contact_id"`
	CurrentStepID string            `json:"current_step_id"`
	Variables     map[string]string `json:"variables,omitempty"`
	IsPaused      bool              `json:"is_paused"`
	Completed     bool              `json:"completed"`
	NextActionAt  *time.Time        `json:"next_action_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ProgramAssignment links a program to a contact or a group. Group
// assignments fan out to member contacts' program state at assignment time.
type ProgramAssignment struct {
	ID        int64     `json:"id"`
	ProgramID int64     `json:"program_id"`
	ContactID *int64    `json:"contact_id,omitempty"`
	GroupID   *int64    `json:"group_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ProgramStats summarizes execution state across a program's contacts.
type ProgramStats struct {
	ProgramID       int64          `json:"program_id"`
	TotalStates     int            `json:"total_states"`
	PausedStates    int            `json:"paused_states"`
	WaitingStates   int            `json:"waiting_states"`
	CompletedStates int            `json:"completed_states"`
	StatesByStep    map[string]int `json:"states_by_step"`
}
