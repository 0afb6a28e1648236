package application

import (
	"context"
	"strings"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/pkg/errors"
)

// ErrSagaNotFound is returned when no saga is tracked for an email
var ErrSagaNotFound = errors.New("saga not found")

// GetSagaQuery represents the query to get a saga
type GetSagaQuery struct {
	Email string `json:"email"`
}

// GetSagaResponse represents the saga as exposed over HTTP
type GetSagaResponse struct {
	SagaID        string  `json:"saga_id"`
	UserID        string  `json:"user_id,omitempty"`
	Email         string  `json:"email"`
	Name          *string `json:"name,omitempty"`
	Surname       *string `json:"surname,omitempty"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// GetSaga use case reads saga state for observability
type GetSaga struct {
	sagaRepository domain.SagaRepository
}

// NewGetSaga creates a new GetSaga use case
func NewGetSaga(sagaRepository domain.SagaRepository) *GetSaga {
	return &GetSaga{sagaRepository: sagaRepository}
}

// Execute retrieves the saga tracked for the query's email
func (uc *GetSaga) Execute(ctx context.Context, query *GetSagaQuery) (*GetSagaResponse, error) {
	email := strings.TrimSpace(query.Email)
	if email == "" {
		return nil, errors.New("email is required")
	}

	sagaState, err := uc.sagaRepository.FindByEmail(ctx, email)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find saga")
	}
	if sagaState == nil {
		return nil, ErrSagaNotFound
	}

	return toGetSagaResponse(sagaState), nil
}

func toGetSagaResponse(s *domain.SagaState) *GetSagaResponse {
	response := &GetSagaResponse{
		SagaID:        s.SagaID.String(),
		UserID:        s.UserID,
		Email:         s.Email,
		Name:          s.Name,
		Surname:       s.Surname,
		Status:        string(s.Status),
		FailureReason: s.FailureReason,
		CreatedAt:     s.CreatedAt.Format(timeLayout),
	}

	if s.CompletedAt != nil {
		completedAt := s.CompletedAt.Format(timeLayout)
		response.CompletedAt = &completedAt
	}

	return response
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
