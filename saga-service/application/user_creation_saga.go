package application

import (
	"context"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/draftea/user-mail-saga/shared/saga"
	"github.com/draftea/user-mail-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CommandEmitter emits email commands to the mail service
type CommandEmitter interface {
	Emit(ctx context.Context, cmd *events.EmailCommand) error
}

// UserCreationSaga reacts to user creation outcomes and emits the matching email command.
// All reads and writes of one email's saga happen under that email's lock.
type UserCreationSaga struct {
	sagaRepository domain.SagaRepository
	locker         saga.Locker
	emitter        CommandEmitter
	now            func() time.Time
}

// NewUserCreationSaga creates a new UserCreationSaga
func NewUserCreationSaga(
	sagaRepository domain.SagaRepository,
	locker saga.Locker,
	emitter CommandEmitter,
) *UserCreationSaga {
	return &UserCreationSaga{
		sagaRepository: sagaRepository,
		locker:         locker,
		emitter:        emitter,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// HandleUserCreated starts a saga for the created user and emits the welcome email command
func (s *UserCreationSaga) HandleUserCreated(ctx context.Context, event *events.UserCreatedEvent) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "handle_user_created",
		trace.WithAttributes(
			attribute.String("event_id", event.ID.String()),
			attribute.String("user_id", event.UserID),
		),
	)
	defer span.End()

	status := "error"
	defer func() { s.recordOutcome(ctx, "user_created", status, start) }()

	log.Info().Str("email", event.Email).Str("event_id", event.ID.String()).Msg("Processing UserCreatedEvent")

	unlock, err := s.locker.Lock(ctx, event.Email)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to acquire saga lock")
	}
	defer unlock()

	duplicate, err := s.isRedelivery(ctx, event.Email, event.ID.String(), domain.SagaStatusUserCreated)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if duplicate {
		status = "duplicate"
		return nil
	}

	sagaState := domain.StartFromUserCreated(event, s.now())
	if err := s.sagaRepository.Save(ctx, sagaState); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to save saga")
	}

	if err := s.sendWelcomeEmail(ctx, sagaState); err != nil {
		span.RecordError(err)
		return err
	}

	status = string(sagaState.Status)
	span.SetAttributes(attribute.String("saga_status", status))
	return nil
}

// HandleUserCreationFailed starts a saga for the failed creation and emits the failure email command.
// The saga stays in UserCreationFailed whatever the emission outcome.
func (s *UserCreationSaga) HandleUserCreationFailed(ctx context.Context, event *events.UserCreationFailedEvent) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "handle_user_creation_failed",
		trace.WithAttributes(
			attribute.String("event_id", event.ID.String()),
		),
	)
	defer span.End()

	status := "error"
	defer func() { s.recordOutcome(ctx, "user_creation_failed", status, start) }()

	log.Info().Str("email", event.Email).Str("event_id", event.ID.String()).Msg("Processing UserCreationFailedEvent")

	unlock, err := s.locker.Lock(ctx, event.Email)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to acquire saga lock")
	}
	defer unlock()

	duplicate, err := s.isRedelivery(ctx, event.Email, event.ID.String(), domain.SagaStatusUserCreationFailed)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if duplicate {
		status = "duplicate"
		return nil
	}

	sagaState := domain.StartFromUserCreationFailed(event, s.now())
	if err := s.sagaRepository.Save(ctx, sagaState); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to save saga")
	}

	log.Info().Str("email", event.Email).Msg("Sending failure notification email command")

	cmd := events.NewFailureEmailCommand(event.Email, event.FailureReason)
	if err := s.emitter.Emit(ctx, cmd); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("email", event.Email).Msg("Failed to send failure notification email command")
	} else {
		log.Info().Str("email", event.Email).Str("command_id", cmd.CommandID.String()).Msg("Failure notification email command sent")
	}

	status = string(sagaState.Status)
	return nil
}

// sendWelcomeEmail emits the welcome command and drives the saga to a terminal status.
// Emission errors end up in the saga state; only store errors are returned.
func (s *UserCreationSaga) sendWelcomeEmail(ctx context.Context, sagaState *domain.SagaState) error {
	log.Info().Str("email", sagaState.Email).Msg("Sending welcome email command")

	cmd := events.NewWelcomeEmailCommand(sagaState.Email, sagaState.Name, sagaState.Surname)
	if emitErr := s.emitter.Emit(ctx, cmd); emitErr != nil {
		log.Error().Err(emitErr).Str("email", sagaState.Email).Msg("Failed to send welcome email command")

		if err := sagaState.MarkEmailFailed("failed to send welcome email command: " + emitErr.Error()); err != nil {
			return err
		}
		if err := sagaState.Fail(s.now()); err != nil {
			return err
		}

		log.Warn().
			Str("email", sagaState.Email).
			Str("reason", *sagaState.FailureReason).
			Msg("Saga failed")
	} else {
		if err := sagaState.MarkEmailSent(); err != nil {
			return err
		}
		log.Info().Str("email", sagaState.Email).Str("command_id", cmd.CommandID.String()).Msg("Welcome email command sent")

		if err := sagaState.Complete(s.now()); err != nil {
			return err
		}

		log.Info().
			Str("user_id", sagaState.UserID).
			Str("email", sagaState.Email).
			Msg("Saga completed successfully")
	}

	if err := s.sagaRepository.Save(ctx, sagaState); err != nil {
		return errors.Wrap(err, "failed to save saga")
	}

	return nil
}

// isRedelivery reports whether the stored saga was already advanced by this same event
func (s *UserCreationSaga) isRedelivery(ctx context.Context, email, eventID string, entryStatus domain.SagaStatus) (bool, error) {
	existing, err := s.sagaRepository.FindByEmail(ctx, email)
	if err != nil {
		return false, errors.Wrap(err, "failed to find saga")
	}
	if existing == nil {
		return false, nil
	}

	if existing.LastEventID.String() == eventID && existing.Status != entryStatus {
		log.Info().
			Str("email", email).
			Str("event_id", eventID).
			Str("saga_status", string(existing.Status)).
			Msg("Event already processed, skipping redelivery")
		return true, nil
	}

	log.Debug().
		Str("email", email).
		Str("previous_saga_id", existing.SagaID.String()).
		Str("previous_status", string(existing.Status)).
		Msg("Replacing existing saga")

	return false, nil
}

func (s *UserCreationSaga) recordOutcome(ctx context.Context, trigger, status string, start time.Time) {
	telemetry.RecordCounter(ctx, "saga_events_total", "Total saga events processed", 1,
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	)
	telemetry.RecordHistogram(ctx, "saga_event_duration_seconds", "Saga event processing duration", time.Since(start).Seconds(),
		attribute.String("trigger", trigger),
	)
}
