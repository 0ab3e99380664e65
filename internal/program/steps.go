package program

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
)

var (
	variablePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	nonDigitPattern = regexp.MustCompile(`[^0-9]`)
)

// evaluate runs one pass of a program for one contact. userMessage is the
// inbound message driving this pass, or nil for scheduler ticks and
// kick-offs; the first condition or input step that reads it consumes it.
// State is persisted after every transition that has to wait.
func (e *Engine) evaluate(ctx context.Context, prog *models.ProgramDefinition, contact models.Contact, userMessage *string) error {
	st, err := e.store.GetProgramState(prog.ID, contact.ID)
	if err != nil {
		return fmt.Errorf("failed to load program state (%d, %d): %w", prog.ID, contact.ID, err)
	}
	if st == nil {
		st = &models.ProgramState{
			ProgramID:     prog.ID,
			ContactID:     contact.ID,
			CurrentStepID: prog.StartStepID,
			Variables:     map[string]string{},
		}
		if err := e.store.SaveProgramState(*st); err != nil {
			return fmt.Errorf("failed to create program state (%d, %d): %w", prog.ID, contact.ID, err)
		}
		slog.Debug("Engine created program state", "programID", prog.ID, "contactID", contact.ID, "startStep", prog.StartStepID)
	}
	if st.IsPaused || st.Completed {
		return nil
	}
	if st.Variables == nil {
		st.Variables = map[string]string{}
	}

	for steps := 0; steps < maxStepsPerPass; steps++ {
		step := prog.StepByID(st.CurrentStepID)
		if step == nil {
			// Definition error: halt this program for this contact only.
			slog.Error("Engine halting on unknown step", "programID", prog.ID, "contactID", contact.ID, "stepID", st.CurrentStepID)
			return nil
		}

		switch step.Kind {
		case models.StepKindMessage:
			content := e.render(step.Content, st.Variables)
			_, denial, err := e.sender.Send(ctx, contact.Phone, content, models.MessageTypeProgram,
				map[string]string{"program_id": strconv.FormatInt(prog.ID, 10), "step_id": step.ID})
			if err != nil {
				// Leave the state at this step; the next trigger retries.
				slog.Error("Engine message step send failed", "error", err, "programID", prog.ID, "contactID", contact.ID, "stepID", step.ID)
				return e.save(st)
			}
			if denial != nil {
				slog.Warn("Engine message step rate limited", "programID", prog.ID, "contactID", contact.ID,
					"stepID", step.ID, "scope", denial.Scope, "window", denial.Window)
				return e.save(st)
			}
			if done := e.advance(st, step.NextStepID); done {
				return e.save(st)
			}

		case models.StepKindDelay:
			if st.NextActionAt == nil {
				at := e.now().Add(time.Duration(step.DelaySeconds) * time.Second)
				st.NextActionAt = &at
				slog.Debug("Engine delay scheduled", "programID", prog.ID, "contactID", contact.ID, "stepID", step.ID, "at", at)
				return e.save(st)
			}
			if e.now().Before(*st.NextActionAt) {
				// Still waiting; an inbound message does not shortcut a delay.
				return nil
			}
			st.NextActionAt = nil
			if done := e.advance(st, step.NextStepID); done {
				return e.save(st)
			}

		case models.StepKindCondition:
			next := ""
			if userMessage != nil {
				for _, cond := range step.Conditions {
					if matchCondition(cond, *userMessage) {
						next = cond.NextStepID
						break
					}
				}
				userMessage = nil
			}
			if next == "" {
				next = step.DefaultNextStepID
			}
			if done := e.advance(st, next); done {
				return e.save(st)
			}

		case models.StepKindInput:
			// An input step reached by advancing within this pass waits
			// for the contact's next message; the message that started
			// the pass only answers a question that was already current.
			if userMessage == nil || steps > 0 {
				return e.save(st)
			}
			input := *userMessage
			userMessage = nil
			if failed := firstFailingValidator(step.Validators, input); failed != nil {
				slog.Debug("Engine input validation failed", "programID", prog.ID, "contactID", contact.ID,
					"stepID", step.ID, "validator", failed.Kind)
				if step.ErrorMessage != "" {
					if _, _, err := e.sender.Send(ctx, contact.Phone, e.render(step.ErrorMessage, st.Variables),
						models.MessageTypeProgram, nil); err != nil {
						slog.Error("Engine input error message send failed", "error", err, "contactID", contact.ID)
					}
				}
				// The step is retried on the contact's next message.
				return e.save(st)
			}
			name := step.VariableName
			if name == "" {
				name = models.DefaultInputVariable
			}
			st.Variables[name] = input
			if done := e.advance(st, step.NextStepID); done {
				return e.save(st)
			}

		case models.StepKindAgentConnect:
			if notifier := e.agentNotifier(); notifier != nil {
				if err := notifier.RequestConnection(ctx, contact, e.render(step.Content, st.Variables)); err != nil {
					slog.Error("Engine agent connection request failed", "error", err, "programID", prog.ID, "contactID", contact.ID)
				}
			} else {
				slog.Warn("Engine agent_connect step without a broker wired", "programID", prog.ID, "stepID", step.ID)
			}
			st.IsPaused = true
			if step.NextStepID != "" {
				// Resume continues at the successor step.
				st.CurrentStepID = step.NextStepID
			} else {
				st.Completed = true
			}
			return e.save(st)

		default:
			slog.Error("Engine halting on unknown step kind", "programID", prog.ID, "stepID", step.ID, "kind", step.Kind)
			return nil
		}
	}

	slog.Error("Engine step budget exhausted, cyclic program suspected", "programID", prog.ID, "contactID", contact.ID)
	return e.save(st)
}

// advance moves the state to next, or marks it completed when the graph
// ends. Returns true when this pass is over.
func (e *Engine) advance(st *models.ProgramState, next string) bool {
	if next == "" {
		st.Completed = true
		return true
	}
	st.CurrentStepID = next
	return false
}

func (e *Engine) save(st *models.ProgramState) error {
	if err := e.store.SaveProgramState(*st); err != nil {
		return fmt.Errorf("failed to save program state (%d, %d): %w", st.ProgramID, st.ContactID, err)
	}
	return nil
}

// render substitutes {{name}} placeholders from the state's variables and
// the built-ins current_time, current_date, and system_name. Unknown
// placeholders are left untouched.
func (e *Engine) render(content string, variables map[string]string) string {
	now := e.now()
	return variablePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if v, ok := variables[name]; ok {
			return v
		}
		switch name {
		case "current_time":
			return now.Format("15:04")
		case "current_date":
			return now.Format("2006-01-02")
		case "system_name":
			return e.systemName
		}
		return match
	})
}

// matchCondition evaluates one condition against the inbound message.
// Matching is case-insensitive throughout; number ranges are inclusive.
func matchCondition(cond models.StepCondition, message string) bool {
	msg := strings.TrimSpace(message)
	switch cond.Match {
	case models.MatchEquals:
		return strings.EqualFold(msg, cond.Value)
	case models.MatchContains:
		return strings.Contains(strings.ToLower(msg), strings.ToLower(cond.Value))
	case models.MatchStartsWith:
		return strings.HasPrefix(strings.ToLower(msg), strings.ToLower(cond.Value))
	case models.MatchRegex:
		re, err := regexp.Compile("(?i)" + cond.Value)
		if err != nil {
			// Unreachable for stored programs; Validate rejects bad patterns.
			return false
		}
		return re.MatchString(msg)
	case models.MatchNumberRange:
		v, err := strconv.ParseFloat(msg, 64)
		if err != nil {
			return false
		}
		lo, hi, err := models.ParseNumberRange(cond.Value)
		if err != nil {
			return false
		}
		return v >= lo && v <= hi
	default:
		return false
	}
}

// firstFailingValidator runs the chain in order and returns the first rule
// the input violates, or nil when the input passes.
func firstFailingValidator(validators []models.InputValidator, input string) *models.InputValidator {
	trimmed := strings.TrimSpace(input)
	for i := range validators {
		v := validators[i]
		switch v.Kind {
		case models.ValidatorRequired:
			if trimmed == "" {
				return &v
			}
		case models.ValidatorMinLength:
			if n, err := strconv.Atoi(v.Value); err == nil && len(trimmed) < n {
				return &v
			}
		case models.ValidatorMaxLength:
			if n, err := strconv.Atoi(v.Value); err == nil && len(trimmed) > n {
				return &v
			}
		case models.ValidatorNumeric:
			if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
				return &v
			}
		case models.ValidatorEmail:
			if !emailPattern.MatchString(trimmed) {
				return &v
			}
		case models.ValidatorPhone:
			if len(nonDigitPattern.ReplaceAllString(trimmed, "")) < 6 {
				return &v
			}
		}
	}
	return nil
}
