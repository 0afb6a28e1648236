package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

var _ domain.SagaRepository = (*RedisSagaRepository)(nil)

const redisSagaKeyPrefix = "saga:user-creation:"

// RedisSagaRepository stores sagas as JSON values keyed by email.
// Every saga expires through the key TTL, so retention needs no sweep.
type RedisSagaRepository struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisSagaRepository creates a new RedisSagaRepository
func NewRedisSagaRepository(client redis.UniversalClient, retention time.Duration) *RedisSagaRepository {
	return &RedisSagaRepository{client: client, retention: retention}
}

// FindByEmail finds the saga tracked for an email
func (r *RedisSagaRepository) FindByEmail(ctx context.Context, email string) (*domain.SagaState, error) {
	raw, err := r.client.Get(ctx, redisSagaKey(email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	var saga domain.SagaState
	if err := json.Unmarshal(raw, &saga); err != nil {
		return nil, errors.Wrapf(err, "failed to decode saga for %s", email)
	}

	return &saga, nil
}

// Save overwrites the saga for its email
func (r *RedisSagaRepository) Save(ctx context.Context, saga *domain.SagaState) error {
	raw, err := json.Marshal(saga)
	if err != nil {
		return errors.Wrap(err, "failed to encode saga")
	}

	if err := r.client.Set(ctx, redisSagaKey(saga.Email), raw, r.ttlFor(saga)).Err(); err != nil {
		return errors.Wrap(err, "failed to save saga")
	}

	return nil
}

// DeleteFinishedBefore is a no-op, finished sagas expire on their own
func (r *RedisSagaRepository) DeleteFinishedBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

// liveSagaTTLFactor stretches the TTL of sagas still in flight, so one stranded
// between its two writes is eventually dropped without racing a live handler
const liveSagaTTLFactor = 2

// ttlFor returns the key expiration, zero keeps the key until replaced
func (r *RedisSagaRepository) ttlFor(saga *domain.SagaState) time.Duration {
	if r.retention <= 0 {
		return 0
	}
	if _, finished := saga.FinishedAt(); finished {
		return r.retention
	}
	return liveSagaTTLFactor * r.retention
}

func redisSagaKey(email string) string {
	return redisSagaKeyPrefix + email
}
