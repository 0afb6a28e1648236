package domain

import (
	"time"

	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/draftea/user-mail-saga/shared/models"
	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when a status change is not on the saga graph
var ErrInvalidTransition = errors.New("invalid saga transition")

// SagaStatus represents the current status of a user creation saga
type SagaStatus string

const (
	SagaStatusNotStarted         SagaStatus = "NotStarted"
	SagaStatusUserCreated        SagaStatus = "UserCreated"
	SagaStatusUserCreationFailed SagaStatus = "UserCreationFailed"
	SagaStatusEmailSent          SagaStatus = "EmailSent"
	SagaStatusEmailFailed        SagaStatus = "EmailFailed"
	SagaStatusCompleted          SagaStatus = "Completed"
	SagaStatusFailed             SagaStatus = "Failed"
)

// transitions is the forward-only saga graph
var transitions = map[SagaStatus][]SagaStatus{
	SagaStatusNotStarted:         {SagaStatusUserCreated, SagaStatusUserCreationFailed},
	SagaStatusUserCreated:        {SagaStatusEmailSent, SagaStatusEmailFailed},
	SagaStatusUserCreationFailed: {SagaStatusFailed},
	SagaStatusEmailSent:          {SagaStatusCompleted},
	SagaStatusEmailFailed:        {SagaStatusFailed},
}

// CanTransitionTo reports whether next directly follows s on the saga graph
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the saga
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusFailed
}

// IsValid reports whether s is a known status
func (s SagaStatus) IsValid() bool {
	switch s {
	case SagaStatusNotStarted, SagaStatusUserCreated, SagaStatusUserCreationFailed,
		SagaStatusEmailSent, SagaStatusEmailFailed, SagaStatusCompleted, SagaStatusFailed:
		return true
	}
	return false
}

// SagaState is the user creation saga aggregate, keyed by email
type SagaState struct {
	SagaID        models.ID  `json:"saga_id"`
	UserID        string     `json:"user_id"`
	Email         string     `json:"email"`
	Name          *string    `json:"name,omitempty"`
	Surname       *string    `json:"surname,omitempty"`
	Status        SagaStatus `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	LastEventID   models.ID  `json:"last_event_id"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// StartFromUserCreated creates a saga in UserCreated status for the event's email
func StartFromUserCreated(event *events.UserCreatedEvent, now time.Time) *SagaState {
	saga := newSagaState(event.Email, event.ID, now)
	saga.UserID = event.UserID
	saga.Name = event.Name
	saga.Surname = event.Surname
	saga.Status = SagaStatusUserCreated
	return saga
}

// StartFromUserCreationFailed creates a saga in UserCreationFailed status for the event's email
func StartFromUserCreationFailed(event *events.UserCreationFailedEvent, now time.Time) *SagaState {
	saga := newSagaState(event.Email, event.ID, now)
	reason := event.FailureReason
	saga.FailureReason = &reason
	saga.Status = SagaStatusUserCreationFailed
	return saga
}

func newSagaState(email string, eventID models.ID, now time.Time) *SagaState {
	return &SagaState{
		SagaID:      models.GenerateUUID(),
		Email:       email,
		Status:      SagaStatusNotStarted,
		LastEventID: eventID,
		CreatedAt:   now,
	}
}

// MarkEmailSent records a successfully emitted welcome command
func (s *SagaState) MarkEmailSent() error {
	return s.transition(SagaStatusEmailSent)
}

// MarkEmailFailed records a welcome command that could not be emitted
func (s *SagaState) MarkEmailFailed(reason string) error {
	if err := s.transition(SagaStatusEmailFailed); err != nil {
		return err
	}
	s.FailureReason = &reason
	return nil
}

// Complete ends the saga successfully
func (s *SagaState) Complete(now time.Time) error {
	if err := s.transition(SagaStatusCompleted); err != nil {
		return err
	}
	s.markCompleted(now)
	return nil
}

// Fail ends the saga with its recorded failure reason
func (s *SagaState) Fail(now time.Time) error {
	if err := s.transition(SagaStatusFailed); err != nil {
		return err
	}
	s.markCompleted(now)
	return nil
}

func (s *SagaState) transition(next SagaStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.Status, next)
	}
	s.Status = next
	return nil
}

// markCompleted keeps CompletedAt at or after CreatedAt
func (s *SagaState) markCompleted(now time.Time) {
	if now.Before(s.CreatedAt) {
		now = s.CreatedAt
	}
	s.CompletedAt = &now
}

// FinishedAt returns when the saga stopped progressing, or false while it is still live.
// UserCreationFailed has no outgoing transition in practice, so it counts from creation.
func (s *SagaState) FinishedAt() (time.Time, bool) {
	if s.Status.IsTerminal() && s.CompletedAt != nil {
		return *s.CompletedAt, true
	}
	if s.Status == SagaStatusUserCreationFailed {
		return s.CreatedAt, true
	}
	return time.Time{}, false
}

// Clone returns a deep copy
func (s *SagaState) Clone() *SagaState {
	clone := *s
	clone.Name = copyString(s.Name)
	clone.Surname = copyString(s.Surname)
	clone.FailureReason = copyString(s.FailureReason)
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
