package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
)

var _ domain.SagaRepository = (*MemorySagaRepository)(nil)

// MemorySagaRepository keeps sagas in process memory, keyed by email
type MemorySagaRepository struct {
	mu    sync.RWMutex
	sagas map[string]*domain.SagaState
}

// NewMemorySagaRepository creates a new MemorySagaRepository
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{sagas: make(map[string]*domain.SagaState)}
}

// FindByEmail returns a copy of the stored saga, or nil when absent
func (r *MemorySagaRepository) FindByEmail(_ context.Context, email string) (*domain.SagaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	saga, ok := r.sagas[email]
	if !ok {
		return nil, nil
	}
	return saga.Clone(), nil
}

// Save stores a copy of the saga, replacing any saga for the same email
func (r *MemorySagaRepository) Save(_ context.Context, saga *domain.SagaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sagas[saga.Email] = saga.Clone()
	return nil
}

// DeleteFinishedBefore removes sagas that finished before cutoff
func (r *MemorySagaRepository) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for email, saga := range r.sagas {
		if finishedAt, ok := saga.FinishedAt(); ok && finishedAt.Before(cutoff) {
			delete(r.sagas, email)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored sagas
func (r *MemorySagaRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sagas)
}
