package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how hard the emitter tries before giving up on a command
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout bounds a single publish, a stalled broker counts as a failed attempt
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy is used when no policy is configured
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	AttemptTimeout:  5 * time.Second,
}

// EmailCommandEmitter publishes email commands with bounded retry
type EmailCommandEmitter struct {
	eventPublisher events.Publisher
	policy         RetryPolicy
}

// NewEmailCommandEmitter creates a new EmailCommandEmitter
func NewEmailCommandEmitter(eventPublisher events.Publisher, policy RetryPolicy) *EmailCommandEmitter {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultRetryPolicy.AttemptTimeout
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}

	return &EmailCommandEmitter{
		eventPublisher: eventPublisher,
		policy:         policy,
	}
}

// Emit publishes the command, retrying transient publish failures.
// The returned error is the last publish error.
func (e *EmailCommandEmitter) Emit(ctx context.Context, cmd *events.EmailCommand) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.InitialInterval
	b.MaxInterval = e.policy.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		// each attempt gets a fresh envelope with the same command id
		return struct{}{}, e.publishOnce(ctx, cmd)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().
				Err(err).
				Str("email", cmd.Email).
				Str("mail_type", string(cmd.MailType)).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("Email command publish failed, retrying")
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to publish %s email command after %d attempt(s)", cmd.MailType, attempt)
	}

	return nil
}

func (e *EmailCommandEmitter) publishOnce(ctx context.Context, cmd *events.EmailCommand) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()

	if err := e.eventPublisher.Publish(attemptCtx, cmd.ToEvent()); err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.Wrapf(err, "publish timed out after %s", e.policy.AttemptTimeout)
		}
		return err
	}
	return nil
}
