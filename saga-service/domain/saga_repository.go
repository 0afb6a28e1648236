package domain

import (
	"context"
	"time"
)

// SagaRepository stores saga states keyed by email
type SagaRepository interface {
	// FindByEmail returns nil, nil when no saga is tracked for the email
	FindByEmail(ctx context.Context, email string) (*SagaState, error)
	// Save upserts the saga, replacing any saga stored for the same email
	Save(ctx context.Context, saga *SagaState) error
	// DeleteFinishedBefore removes sagas that stopped progressing before cutoff
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
