package application

import (
	"context"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/draftea/user-mail-saga/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// PurgeSagas removes finished sagas older than the retention window
type PurgeSagas struct {
	sagaRepository domain.SagaRepository
	retention      time.Duration
	now            func() time.Time
}

// NewPurgeSagas creates a new PurgeSagas use case
func NewPurgeSagas(sagaRepository domain.SagaRepository, retention time.Duration) *PurgeSagas {
	return &PurgeSagas{
		sagaRepository: sagaRepository,
		retention:      retention,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Execute deletes sagas that finished before now minus retention
func (uc *PurgeSagas) Execute(ctx context.Context) (int, error) {
	if uc.retention <= 0 {
		return 0, nil
	}

	cutoff := uc.now().Add(-uc.retention)
	deleted, err := uc.sagaRepository.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge sagas")
	}

	telemetry.RecordCounter(ctx, "saga_purged_total", "Total sagas removed by retention", int64(deleted),
		attribute.String("operation", "purge_sagas"),
	)

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Purged finished sagas")
	}

	return deleted, nil
}
