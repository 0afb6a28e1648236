package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestPurgeSagas_Execute(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		retention     time.Duration
		setupMocks    func(*mocks.MockSagaRepository)
		expected      int
		expectedError string
	}{
		{
			name:      "deletes sagas older than retention",
			retention: 24 * time.Hour,
			setupMocks: func(repo *mocks.MockSagaRepository) {
				repo.EXPECT().DeleteFinishedBefore(mock.Anything, now.Add(-24*time.Hour)).Return(3, nil).Once()
			},
			expected: 3,
		},
		{
			name:       "disabled retention is a no-op",
			retention:  0,
			setupMocks: func(repo *mocks.MockSagaRepository) {},
			expected:   0,
		},
		{
			name:      "repository error",
			retention: time.Hour,
			setupMocks: func(repo *mocks.MockSagaRepository) {
				repo.EXPECT().DeleteFinishedBefore(mock.Anything, mock.AnythingOfType("time.Time")).Return(0, errors.New("locked")).Once()
			},
			expectedError: "failed to purge sagas: locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockSagaRepository(t)
			tt.setupMocks(repo)

			uc := NewPurgeSagas(repo, tt.retention)
			uc.now = func() time.Time { return now }

			deleted, err := uc.Execute(context.Background())

			if tt.expectedError != "" {
				assert.EqualError(t, err, tt.expectedError)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, deleted)
		})
	}
}
