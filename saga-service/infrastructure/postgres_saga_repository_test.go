package infrastructure

import (
	"testing"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/draftea/user-mail-saga/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSagaMapping(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completedAt := createdAt.Add(time.Second)

	saga := &domain.SagaState{
		SagaID:        models.ID("s1"),
		UserID:        "u1",
		Email:         "a@x.io",
		Name:          stringPtr("Ann"),
		Status:        domain.SagaStatusFailed,
		FailureReason: stringPtr("failed to send welcome email command: boom"),
		LastEventID:   models.ID("e1"),
		CreatedAt:     createdAt,
		CompletedAt:   &completedAt,
	}

	row := toPostgres(saga)
	assert.Equal(t, "a@x.io", row.Email)
	assert.Equal(t, "Failed", row.Status)
	assert.Equal(t, "e1", row.LastEventID)
	assert.Nil(t, row.Surname)

	back, err := toDomain(row)
	require.NoError(t, err)
	assert.Equal(t, saga, back)
}

func TestPostgresSagaMapping_ConvertsToUTC(t *testing.T) {
	local := time.FixedZone("UTC-3", -3*60*60)
	row := &postgresSaga{
		Email:     "a@x.io",
		SagaID:    "s1",
		Status:    "UserCreationFailed",
		CreatedAt: time.Date(2026, 3, 1, 7, 0, 0, 0, local),
	}

	saga, err := toDomain(row)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, saga.CreatedAt.Location())
	assert.Equal(t, 10, saga.CreatedAt.Hour())
	assert.Nil(t, saga.CompletedAt)
}

func TestPostgresSagaMapping_RejectsUnknownStatus(t *testing.T) {
	_, err := toDomain(&postgresSaga{Email: "a@x.io", Status: "Archived"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown saga status "Archived"`)
}
