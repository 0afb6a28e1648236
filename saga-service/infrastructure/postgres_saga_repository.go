package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/draftea/user-mail-saga/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ domain.SagaRepository = (*PostgresSagaRepository)(nil)

const sagaStatesSchema = `
	CREATE TABLE IF NOT EXISTS saga_states (
		email          TEXT PRIMARY KEY,
		saga_id        TEXT NOT NULL,
		user_id        TEXT NOT NULL DEFAULT '',
		name           TEXT,
		surname        TEXT,
		status         TEXT NOT NULL,
		failure_reason TEXT,
		last_event_id  TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		completed_at   TIMESTAMPTZ
	)`

// PostgresSagaRepository implements SagaRepository using PostgreSQL
type PostgresSagaRepository struct {
	db *sqlx.DB
}

// NewPostgresSagaRepository creates a new PostgresSagaRepository
func NewPostgresSagaRepository(db *sqlx.DB) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db}
}

// postgresSaga represents a saga row
type postgresSaga struct {
	Email         string     `db:"email"`
	SagaID        string     `db:"saga_id"`
	UserID        string     `db:"user_id"`
	Name          *string    `db:"name"`
	Surname       *string    `db:"surname"`
	Status        string     `db:"status"`
	FailureReason *string    `db:"failure_reason"`
	LastEventID   string     `db:"last_event_id"`
	CreatedAt     time.Time  `db:"created_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

// EnsureSchema creates the saga table if it does not exist
func (r *PostgresSagaRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sagaStatesSchema); err != nil {
		return errors.Wrap(err, "failed to create saga_states table")
	}
	return nil
}

// FindByEmail finds the saga tracked for an email
func (r *PostgresSagaRepository) FindByEmail(ctx context.Context, email string) (*domain.SagaState, error) {
	query := `
		SELECT email, saga_id, user_id, name, surname, status,
			   failure_reason, last_event_id, created_at, completed_at
		FROM saga_states
		WHERE email = $1`

	var pgSaga postgresSaga
	err := r.db.GetContext(ctx, &pgSaga, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	return toDomain(&pgSaga)
}

// Save upserts the saga keyed by email, replacing every column
func (r *PostgresSagaRepository) Save(ctx context.Context, saga *domain.SagaState) error {
	query := `
		INSERT INTO saga_states (
			email, saga_id, user_id, name, surname, status,
			failure_reason, last_event_id, created_at, completed_at
		) VALUES (
			:email, :saga_id, :user_id, :name, :surname, :status,
			:failure_reason, :last_event_id, :created_at, :completed_at
		)
		ON CONFLICT (email) DO UPDATE SET
			saga_id = EXCLUDED.saga_id,
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			surname = EXCLUDED.surname,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			last_event_id = EXCLUDED.last_event_id,
			created_at = EXCLUDED.created_at,
			completed_at = EXCLUDED.completed_at`

	if _, err := r.db.NamedExecContext(ctx, query, toPostgres(saga)); err != nil {
		return errors.Wrap(err, "failed to save saga")
	}

	return nil
}

// DeleteFinishedBefore removes terminal sagas completed before cutoff and
// creation failures created before it
func (r *PostgresSagaRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM saga_states
		WHERE (status IN ($1, $2) AND completed_at < $4)
		   OR (status = $3 AND created_at < $4)`

	result, err := r.db.ExecContext(ctx, query,
		string(domain.SagaStatusCompleted),
		string(domain.SagaStatusFailed),
		string(domain.SagaStatusUserCreationFailed),
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete finished sagas")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted sagas")
	}

	return int(affected), nil
}

func toPostgres(saga *domain.SagaState) *postgresSaga {
	return &postgresSaga{
		Email:         saga.Email,
		SagaID:        saga.SagaID.String(),
		UserID:        saga.UserID,
		Name:          saga.Name,
		Surname:       saga.Surname,
		Status:        string(saga.Status),
		FailureReason: saga.FailureReason,
		LastEventID:   saga.LastEventID.String(),
		CreatedAt:     saga.CreatedAt,
		CompletedAt:   saga.CompletedAt,
	}
}

func toDomain(pgSaga *postgresSaga) (*domain.SagaState, error) {
	status := domain.SagaStatus(pgSaga.Status)
	if !status.IsValid() {
		return nil, errors.Errorf("unknown saga status %q for %s", pgSaga.Status, pgSaga.Email)
	}

	saga := &domain.SagaState{
		SagaID:        models.ID(pgSaga.SagaID),
		UserID:        pgSaga.UserID,
		Email:         pgSaga.Email,
		Name:          pgSaga.Name,
		Surname:       pgSaga.Surname,
		Status:        status,
		FailureReason: pgSaga.FailureReason,
		LastEventID:   models.ID(pgSaga.LastEventID),
		CreatedAt:     pgSaga.CreatedAt.UTC(),
	}
	if pgSaga.CompletedAt != nil {
		completedAt := pgSaga.CompletedAt.UTC()
		saga.CompletedAt = &completedAt
	}

	return saga, nil
}
