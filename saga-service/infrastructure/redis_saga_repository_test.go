package infrastructure

import (
	"testing"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/stretchr/testify/assert"
)

func TestRedisSagaRepository_TTL(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name      string
		retention time.Duration
		saga      *domain.SagaState
		expected  time.Duration
	}{
		{
			name:      "completed saga expires after retention",
			retention: time.Hour,
			saga:      &domain.SagaState{Status: domain.SagaStatusCompleted, CreatedAt: now, CompletedAt: &now},
			expected:  time.Hour,
		},
		{
			name:      "creation failure expires after retention",
			retention: time.Hour,
			saga:      &domain.SagaState{Status: domain.SagaStatusUserCreationFailed, CreatedAt: now},
			expected:  time.Hour,
		},
		{
			name:      "in-flight saga expires after twice the retention",
			retention: time.Hour,
			saga:      &domain.SagaState{Status: domain.SagaStatusUserCreated, CreatedAt: now},
			expected:  2 * time.Hour,
		},
		{
			name:      "in-flight saga with retention disabled never expires",
			retention: 0,
			saga:      &domain.SagaState{Status: domain.SagaStatusUserCreated, CreatedAt: now},
			expected:  0,
		},
		{
			name:      "retention disabled",
			retention: 0,
			saga:      &domain.SagaState{Status: domain.SagaStatusCompleted, CreatedAt: now, CompletedAt: &now},
			expected:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewRedisSagaRepository(nil, tt.retention)
			assert.Equal(t, tt.expected, repo.ttlFor(tt.saga))
		})
	}
}

func TestRedisSagaKey(t *testing.T) {
	assert.Equal(t, "saga:user-creation:a@x.io", redisSagaKey("a@x.io"))
}
