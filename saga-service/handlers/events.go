package handlers

import (
	"context"

	"github.com/draftea/user-mail-saga/saga-service/application"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/draftea/user-mail-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ events.EventHandler = (*SagaEventHandlers)(nil)

// SagaEventHandlers decodes user events and hands them to the saga
type SagaEventHandlers struct {
	userCreationSaga *application.UserCreationSaga
	router           *saga.EventRouter
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(userCreationSaga *application.UserCreationSaga) *SagaEventHandlers {
	h := &SagaEventHandlers{
		userCreationSaga: userCreationSaga,
		router:           saga.NewEventRouter(),
	}
	h.router.RegisterHandler(events.UserCreatedTopic, events.EventHandlerFunc(h.HandleUserCreated))
	h.router.RegisterHandler(events.UserCreationFailedTopic, events.EventHandlerFunc(h.HandleUserCreationFailed))
	return h
}

// Handle implements the events.EventHandler interface
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	return h.router.Handle(ctx, event)
}

// HandleUserCreated handles UserCreatedEvent payloads
func (h *SagaEventHandlers) HandleUserCreated(ctx context.Context, event *events.Event) error {
	var payload events.UserCreatedEvent
	if err := event.UnmarshalPayload(&payload); err != nil {
		log.Error().Err(err).Str("topic", event.Topic.String()).Msg("Failed to decode UserCreatedEvent")
		return errors.Wrap(err, "failed to decode UserCreatedEvent")
	}
	if err := payload.Validate(); err != nil {
		log.Error().Err(err).Str("topic", event.Topic.String()).Msg("Rejected UserCreatedEvent")
		return err
	}
	payload.EnsureIdentity()

	return h.userCreationSaga.HandleUserCreated(ctx, &payload)
}

// HandleUserCreationFailed handles UserCreationFailedEvent payloads
func (h *SagaEventHandlers) HandleUserCreationFailed(ctx context.Context, event *events.Event) error {
	var payload events.UserCreationFailedEvent
	if err := event.UnmarshalPayload(&payload); err != nil {
		log.Error().Err(err).Str("topic", event.Topic.String()).Msg("Failed to decode UserCreationFailedEvent")
		return errors.Wrap(err, "failed to decode UserCreationFailedEvent")
	}
	if err := payload.Validate(); err != nil {
		log.Error().Err(err).Str("topic", event.Topic.String()).Msg("Rejected UserCreationFailedEvent")
		return err
	}
	payload.EnsureIdentity()

	return h.userCreationSaga.HandleUserCreationFailed(ctx, &payload)
}
