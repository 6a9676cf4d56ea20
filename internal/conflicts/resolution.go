package conflicts

import (
	"coachsync/internal/models"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// State is where a conflict stands in the resolution workflow.
type State string

const (
	StateOpen        State = "open"
	StateRescheduled State = "rescheduled"
	StateCancelled   State = "cancelled"
	StateIgnored     State = "ignored"
)

// Action is a human resolution choice.
type Action string

const (
	ActionReschedule Action = "reschedule"
	ActionCancel     Action = "cancel"
	ActionIgnore     Action = "ignore"
)

// ParseAction validates a user supplied action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionReschedule, ActionCancel, ActionIgnore:
		return a, nil
	}
	return "", fmt.Errorf("unknown resolution action %q: %w", s, models.ErrConfigurationInvalid)
}

// AppointmentWriter is the write side of the appointment book.
type AppointmentWriter interface {
	UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus) error
	UpdateAppointmentSlot(ctx context.Context, id string, slot models.Slot) error
}

// Session tracks resolution state for the conflicts shown to one user.
// Nothing it records outlives the session: an ignored conflict comes back on
// the next Detect unless the overlap itself went away.
type Session struct {
	logger *slog.Logger
	store  AppointmentWriter

	mu     sync.Mutex
	states map[string]State
}

// NewSession creates an empty resolution session.
func NewSession(logger *slog.Logger, store AppointmentWriter) *Session {
	return &Session{logger: logger, store: store, states: make(map[string]State)}
}

// State returns the conflict's state in this session.
func (s *Session) State(c models.Conflict) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(c.Fingerprint())
}

func (s *Session) stateLocked(fp string) State {
	if st, ok := s.states[fp]; ok {
		return st
	}
	return StateOpen
}

// Resolve dispatches action. slot is only used by reschedule.
func (s *Session) Resolve(ctx context.Context, c models.Conflict, action Action, slot *models.Slot) error {
	switch action {
	case ActionCancel:
		return s.Cancel(ctx, c)
	case ActionReschedule:
		return s.Reschedule(ctx, c, slot)
	case ActionIgnore:
		return s.Ignore(c)
	}
	return fmt.Errorf("unknown resolution action %q: %w", action, models.ErrConfigurationInvalid)
}

// Cancel cancels the appointment the conflict is about. Only appointment
// conflicts can be cancelled.
func (s *Session) Cancel(ctx context.Context, c models.Conflict) error {
	return s.transition(c, StateCancelled, func() error {
		if c.Type != models.ConflictTypeAppointment {
			return fmt.Errorf("cannot cancel a %s conflict: %w", c.Type, models.ErrUnsupportedConflictType)
		}
		return s.store.UpdateAppointmentStatus(ctx, c.Subject.ID, models.AppointmentStatusCancelled)
	})
}

// Reschedule moves the appointment to slot. Without a slot nothing changes
// and ErrNoReplacementSlot is returned.
func (s *Session) Reschedule(ctx context.Context, c models.Conflict, slot *models.Slot) error {
	return s.transition(c, StateRescheduled, func() error {
		if c.Type != models.ConflictTypeAppointment {
			return fmt.Errorf("cannot reschedule a %s conflict: %w", c.Type, models.ErrUnsupportedConflictType)
		}
		if slot == nil {
			return models.ErrNoReplacementSlot
		}
		if err := slot.Validate(); err != nil {
			return fmt.Errorf("invalid replacement slot: %w", err)
		}
		return s.store.UpdateAppointmentSlot(ctx, c.Subject.ID, *slot)
	})
}

// Ignore hides the conflict for the rest of the session.
func (s *Session) Ignore(c models.Conflict) error {
	return s.transition(c, StateIgnored, func() error { return nil })
}

// transition runs apply and records the new state if it succeeds. Terminal
// states cannot be left.
func (s *Session) transition(c models.Conflict, to State, apply func() error) error {
	fp := c.Fingerprint()
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.stateLocked(fp); st != StateOpen {
		return fmt.Errorf("conflict %s is %s: %w", fp, st, models.ErrConflictResolved)
	}
	if err := apply(); err != nil {
		return err
	}
	s.states[fp] = to
	s.logger.Info("Resolved conflict", "fingerprint", fp, "state", to, "subjectID", c.Subject.ID)
	return nil
}

// Filter drops the conflicts that were resolved or ignored in this session.
func (s *Session) Filter(conflicts []models.Conflict) []models.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if s.stateLocked(c.Fingerprint()) == StateOpen {
			out = append(out, c)
		}
	}
	return out
}

// Find returns the conflict with the given fingerprint.
func Find(conflicts []models.Conflict, fingerprint string) (models.Conflict, bool) {
	for _, c := range conflicts {
		if c.Fingerprint() == fingerprint {
			return c, true
		}
	}
	return models.Conflict{}, false
}
