package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/draftea/user-mail-saga/saga-service/infrastructure"
	"github.com/draftea/user-mail-saga/saga-service/mocks"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/draftea/user-mail-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

func newTestSaga(repo domain.SagaRepository, publisher events.Publisher) *UserCreationSaga {
	return NewUserCreationSaga(repo, saga.NewKeyedLocker(), NewEmailCommandEmitter(publisher, testRetryPolicy))
}

// captureSaves records a snapshot of every saved saga
func captureSaves(repo *mocks.MockSagaRepository, times int) *[]*domain.SagaState {
	saved := &[]*domain.SagaState{}
	repo.EXPECT().Save(mock.Anything, mock.AnythingOfType("*domain.SagaState")).
		Run(func(_ context.Context, s *domain.SagaState) {
			*saved = append(*saved, s.Clone())
		}).
		Return(nil).Times(times)
	return saved
}

func emailCommandWith(mailType events.MailType, email string) interface{} {
	return mock.MatchedBy(func(evt *events.Event) bool {
		cmd, ok := evt.Data.(*events.EmailCommand)
		return ok &&
			evt.Topic == events.EmailCommandTopic &&
			cmd.MailType == mailType &&
			cmd.Email == email
	})
}

func TestUserCreationSaga_HandleUserCreated(t *testing.T) {
	tests := []struct {
		name                  string
		event                 *events.UserCreatedEvent
		setupMocks            func(*mocks.MockSagaRepository, *mocks.MockPublisher) *[]*domain.SagaState
		expectedError         string
		expectedStatus        domain.SagaStatus
		expectedFailurePrefix string
	}{
		{
			name:  "welcome email emitted and saga completed",
			event: events.NewUserCreatedEvent("u1", "a@x.io", stringPtr("Ann"), stringPtr("Lee")),
			setupMocks: func(repo *mocks.MockSagaRepository, publisher *mocks.MockPublisher) *[]*domain.SagaState {
				repo.EXPECT().FindByEmail(mock.Anything, "a@x.io").Return(nil, nil).Once()
				saved := captureSaves(repo, 2)
				publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
					cmd, ok := evt.Data.(*events.EmailCommand)
					return ok &&
						cmd.MailType == events.MailTypeWelcome &&
						cmd.Email == "a@x.io" &&
						*cmd.Name == "Ann" &&
						*cmd.Surname == "Lee" &&
						cmd.FailureReason == nil
				})).Return(nil).Once()
				return saved
			},
			expectedStatus: domain.SagaStatusCompleted,
		},
		{
			name:  "publish succeeds after a transient failure",
			event: events.NewUserCreatedEvent("u1", "a@x.io", nil, nil),
			setupMocks: func(repo *mocks.MockSagaRepository, publisher *mocks.MockPublisher) *[]*domain.SagaState {
				repo.EXPECT().FindByEmail(mock.Anything, "a@x.io").Return(nil, nil).Once()
				saved := captureSaves(repo, 2)
				publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeWelcome, "a@x.io")).
					Return(errors.New("broker unavailable")).Once()
				publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeWelcome, "a@x.io")).
					Return(nil).Once()
				return saved
			},
			expectedStatus: domain.SagaStatusCompleted,
		},
		{
			name:  "emission failure fails the saga without returning an error",
			event: events.NewUserCreatedEvent("u1", "a@x.io", nil, nil),
			setupMocks: func(repo *mocks.MockSagaRepository, publisher *mocks.MockPublisher) *[]*domain.SagaState {
				repo.EXPECT().FindByEmail(mock.Anything, "a@x.io").Return(nil, nil).Once()
				saved := captureSaves(repo, 2)
				publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeWelcome, "a@x.io")).
					Return(errors.New("broker unavailable")).Times(3)
				return saved
			},
			expectedStatus:        domain.SagaStatusFailed,
			expectedFailurePrefix: "failed to send welcome email command: ",
		},
		{
			name:  "store read failure is returned",
			event: events.NewUserCreatedEvent("u1", "a@x.io", nil, nil),
			setupMocks: func(repo *mocks.MockSagaRepository, publisher *mocks.MockPublisher) *[]*domain.SagaState {
				repo.EXPECT().FindByEmail(mock.Anything, "a@x.io").Return(nil, errors.New("connection refused")).Once()
				return &[]*domain.SagaState{}
			},
			expectedError: "failed to find saga",
		},
		{
			name:  "store write failure is returned before emitting",
			event: events.NewUserCreatedEvent("u1", "a@x.io", nil, nil),
			setupMocks: func(repo *mocks.MockSagaRepository, publisher *mocks.MockPublisher) *[]*domain.SagaState {
				repo.EXPECT().FindByEmail(mock.Anything, "a@x.io").Return(nil, nil).Once()
				repo.EXPECT().Save(mock.Anything, mock.AnythingOfType("*domain.SagaState")).
					Return(errors.New("disk full")).Once()
				return &[]*domain.SagaState{}
			},
			expectedError: "failed to save saga",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockSagaRepository(t)
			publisher := mocks.NewMockPublisher(t)
			saved := tt.setupMocks(repo, publisher)

			err := newTestSaga(repo, publisher).HandleUserCreated(context.Background(), tt.event)

			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				return
			}
			require.NoError(t, err)
			require.Len(t, *saved, 2)

			initial := (*saved)[0]
			assert.Equal(t, domain.SagaStatusUserCreated, initial.Status)
			assert.Equal(t, "u1", initial.UserID)
			assert.Equal(t, tt.event.ID, initial.LastEventID)
			assert.Nil(t, initial.CompletedAt)

			final := (*saved)[1]
			assert.Equal(t, tt.expectedStatus, final.Status)
			assert.Equal(t, initial.SagaID, final.SagaID)
			require.NotNil(t, final.CompletedAt)
			assert.False(t, final.CompletedAt.Before(final.CreatedAt))

			if tt.expectedFailurePrefix != "" {
				require.NotNil(t, final.FailureReason)
				assert.Contains(t, *final.FailureReason, tt.expectedFailurePrefix)
				assert.Contains(t, *final.FailureReason, "broker unavailable")
			} else {
				assert.Nil(t, final.FailureReason)
			}
		})
	}
}

func TestUserCreationSaga_HandleUserCreationFailed(t *testing.T) {
	tests := []struct {
		name       string
		publishErr error
		publishes  int
	}{
		{name: "failure email emitted", publishErr: nil, publishes: 1},
		{name: "emission failure is swallowed", publishErr: errors.New("broker unavailable"), publishes: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockSagaRepository(t)
			publisher := mocks.NewMockPublisher(t)
			event := events.NewUserCreationFailedEvent("b@x.io", "duplicate email")

			repo.EXPECT().FindByEmail(mock.Anything, "b@x.io").Return(nil, nil).Once()
			saved := captureSaves(repo, 1)
			publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
				cmd, ok := evt.Data.(*events.EmailCommand)
				return ok &&
					cmd.MailType == events.MailTypeFailure &&
					cmd.Email == "b@x.io" &&
					cmd.FailureReason != nil && *cmd.FailureReason == "duplicate email" &&
					cmd.Name == nil && cmd.Surname == nil
			})).Return(tt.publishErr).Times(tt.publishes)

			err := newTestSaga(repo, publisher).HandleUserCreationFailed(context.Background(), event)
			require.NoError(t, err)
			require.Len(t, *saved, 1)

			state := (*saved)[0]
			assert.Equal(t, domain.SagaStatusUserCreationFailed, state.Status)
			require.NotNil(t, state.FailureReason)
			assert.Equal(t, "duplicate email", *state.FailureReason)
			assert.Nil(t, state.CompletedAt)
			assert.Empty(t, state.UserID)
		})
	}
}

func TestUserCreationSaga_ReplacesExistingSaga(t *testing.T) {
	repo := infrastructure.NewMemorySagaRepository()
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeWelcome, "c@x.io")).Return(nil).Once()
	publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeFailure, "c@x.io")).Return(nil).Once()

	orchestrator := newTestSaga(repo, publisher)
	ctx := context.Background()

	require.NoError(t, orchestrator.HandleUserCreated(ctx, events.NewUserCreatedEvent("u1", "c@x.io", nil, nil)))
	first, err := repo.FindByEmail(ctx, "c@x.io")
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, first.Status)

	require.NoError(t, orchestrator.HandleUserCreationFailed(ctx, events.NewUserCreationFailedEvent("c@x.io", "r")))
	second, err := repo.FindByEmail(ctx, "c@x.io")
	require.NoError(t, err)

	assert.Equal(t, domain.SagaStatusUserCreationFailed, second.Status)
	assert.NotEqual(t, first.SagaID, second.SagaID)
	assert.Empty(t, second.UserID)
	assert.Nil(t, second.CompletedAt)
}

func TestUserCreationSaga_SkipsRedeliveredUserCreated(t *testing.T) {
	repo := infrastructure.NewMemorySagaRepository()
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeWelcome, "d@x.io")).Return(nil).Once()

	orchestrator := newTestSaga(repo, publisher)
	ctx := context.Background()
	event := events.NewUserCreatedEvent("u1", "d@x.io", nil, nil)

	require.NoError(t, orchestrator.HandleUserCreated(ctx, event))
	first, err := repo.FindByEmail(ctx, "d@x.io")
	require.NoError(t, err)

	require.NoError(t, orchestrator.HandleUserCreated(ctx, event))
	second, err := repo.FindByEmail(ctx, "d@x.io")
	require.NoError(t, err)

	assert.Equal(t, first.SagaID, second.SagaID)
	assert.Equal(t, domain.SagaStatusCompleted, second.Status)
}

func TestUserCreationSaga_DifferentEventSameEmailIsProcessed(t *testing.T) {
	repo := infrastructure.NewMemorySagaRepository()
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, emailCommandWith(events.MailTypeWelcome, "e@x.io")).Return(nil).Twice()

	orchestrator := newTestSaga(repo, publisher)
	ctx := context.Background()

	require.NoError(t, orchestrator.HandleUserCreated(ctx, events.NewUserCreatedEvent("u1", "e@x.io", nil, nil)))
	require.NoError(t, orchestrator.HandleUserCreated(ctx, events.NewUserCreatedEvent("u2", "e@x.io", nil, nil)))

	state, err := repo.FindByEmail(ctx, "e@x.io")
	require.NoError(t, err)
	assert.Equal(t, "u2", state.UserID)
}

func TestUserCreationSaga_ConcurrentEventsForSameEmail(t *testing.T) {
	repo := infrastructure.NewMemorySagaRepository()
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(nil).Times(20)

	orchestrator := newTestSaga(repo, publisher)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, orchestrator.HandleUserCreated(ctx, events.NewUserCreatedEvent("u", "f@x.io", nil, nil)))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, orchestrator.HandleUserCreationFailed(ctx, events.NewUserCreationFailedEvent("f@x.io", "r")))
		}()
	}
	wg.Wait()

	state, err := repo.FindByEmail(ctx, "f@x.io")
	require.NoError(t, err)
	// whichever event ran last leaves a settled saga, never an intermediate one
	assert.Contains(t, []domain.SagaStatus{domain.SagaStatusCompleted, domain.SagaStatusUserCreationFailed}, state.Status)
}

func TestUserCreationSaga_LockCancelled(t *testing.T) {
	repo := mocks.NewMockSagaRepository(t)
	publisher := mocks.NewMockPublisher(t)
	locker := saga.NewKeyedLocker()

	unlock, err := locker.Lock(context.Background(), "g@x.io")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	orchestrator := NewUserCreationSaga(repo, locker, NewEmailCommandEmitter(publisher, testRetryPolicy))
	err = orchestrator.HandleUserCreated(ctx, events.NewUserCreatedEvent("u", "g@x.io", nil, nil))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire saga lock")
}

func stringPtr(s string) *string {
	return &s
}

func TestUserCreationSaga_StalledBrokerFailsSagaAndReleasesLock(t *testing.T) {
	repo := infrastructure.NewMemorySagaRepository()
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).
		RunAndReturn(func(ctx context.Context, _ ...*events.Event) error {
			<-ctx.Done()
			return ctx.Err()
		})

	locker := saga.NewKeyedLocker()
	orchestrator := NewUserCreationSaga(repo, locker, NewEmailCommandEmitter(publisher, RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		AttemptTimeout:  20 * time.Millisecond,
	}))

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.HandleUserCreated(context.WithoutCancel(context.Background()),
			events.NewUserCreatedEvent("u1", "a@x.io", nil, nil))
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("HandleUserCreated blocked on a stalled publisher")
	}

	state, err := repo.FindByEmail(context.Background(), "a@x.io")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, domain.SagaStatusFailed, state.Status)
	require.NotNil(t, state.FailureReason)
	assert.Contains(t, *state.FailureReason, "publish timed out")
	assert.Zero(t, locker.Len())
}
