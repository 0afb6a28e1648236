package events

import (
	"strings"
	"time"

	"github.com/draftea/user-mail-saga/shared/models"
	"github.com/pkg/errors"
)

// MailType discriminates the email the mail service should send
type MailType string

const (
	MailTypeWelcome MailType = "Welcome"
	MailTypeFailure MailType = "Failure"
)

// DomainEvent carries the identity and creation time shared by every domain event.
// Both are stamped on construction and never change.
type DomainEvent struct {
	ID        models.ID `json:"Id"`
	CreatedAt time.Time `json:"CreatedAt"`
}

func newDomainEvent() DomainEvent {
	return DomainEvent{
		ID:        models.GenerateUUID(),
		CreatedAt: time.Now().UTC(),
	}
}

// EnsureIdentity stamps identity fields missing from a decoded event.
func (e *DomainEvent) EnsureIdentity() {
	if e.ID.IsZero() {
		e.ID = models.GenerateUUID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

// UserCreatedEvent reports a successfully created user account
type UserCreatedEvent struct {
	DomainEvent
	UserID  string  `json:"UserId"`
	Email   string  `json:"Email"`
	Name    *string `json:"Name,omitempty"`
	Surname *string `json:"Surname,omitempty"`
}

// NewUserCreatedEvent creates a UserCreatedEvent
func NewUserCreatedEvent(userID, email string, name, surname *string) *UserCreatedEvent {
	return &UserCreatedEvent{
		DomainEvent: newDomainEvent(),
		UserID:      userID,
		Email:       email,
		Name:        name,
		Surname:     surname,
	}
}

// Validate checks the fields the saga cannot work without
func (e *UserCreatedEvent) Validate() error {
	if strings.TrimSpace(e.Email) == "" {
		return errors.Wrap(ErrInvalidPayload, "email is required")
	}
	return nil
}

// UserCreationFailedEvent reports a failed account creation attempt
type UserCreationFailedEvent struct {
	DomainEvent
	Email         string `json:"Email"`
	FailureReason string `json:"FailureReason"`
}

// NewUserCreationFailedEvent creates a UserCreationFailedEvent
func NewUserCreationFailedEvent(email, failureReason string) *UserCreationFailedEvent {
	return &UserCreationFailedEvent{
		DomainEvent:   newDomainEvent(),
		Email:         email,
		FailureReason: failureReason,
	}
}

// Validate checks the fields the saga cannot work without
func (e *UserCreationFailedEvent) Validate() error {
	if strings.TrimSpace(e.Email) == "" {
		return errors.Wrap(ErrInvalidPayload, "email is required")
	}
	return nil
}

// EmailCommand instructs the mail service to send an email
type EmailCommand struct {
	CommandID     models.ID `json:"CommandId"`
	Email         string    `json:"Email"`
	Name          *string   `json:"Name,omitempty"`
	Surname       *string   `json:"Surname,omitempty"`
	MailType      MailType  `json:"MailType"`
	FailureReason *string   `json:"FailureReason,omitempty"`
}

// NewWelcomeEmailCommand builds the welcome command for a created user
func NewWelcomeEmailCommand(email string, name, surname *string) *EmailCommand {
	return &EmailCommand{
		CommandID: models.GenerateUUID(),
		Email:     email,
		Name:      name,
		Surname:   surname,
		MailType:  MailTypeWelcome,
	}
}

// NewFailureEmailCommand builds the failure notification command
func NewFailureEmailCommand(email, failureReason string) *EmailCommand {
	return &EmailCommand{
		CommandID:     models.GenerateUUID(),
		Email:         email,
		MailType:      MailTypeFailure,
		FailureReason: &failureReason,
	}
}

// ToEvent wraps the command in an envelope for the email command topic
func (c *EmailCommand) ToEvent() *Event {
	evt := NewEvent(EmailCommandTopic, c).WithCorrelationID(c.Email)
	evt.ID = c.CommandID
	return evt.WithMetadata("mail_type", string(c.MailType))
}
