package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/mocks"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEmailCommandEmitter_Emit(t *testing.T) {
	tests := []struct {
		name          string
		policy        RetryPolicy
		failures      int
		expectedCalls int
		expectedError string
	}{
		{
			name:          "first attempt succeeds",
			policy:        testRetryPolicy,
			failures:      0,
			expectedCalls: 1,
		},
		{
			name:          "succeeds on last attempt",
			policy:        testRetryPolicy,
			failures:      2,
			expectedCalls: 3,
		},
		{
			name:          "gives up after max attempts",
			policy:        testRetryPolicy,
			failures:      5,
			expectedCalls: 3,
			expectedError: "failed to publish Welcome email command after 3 attempt(s): broker unavailable",
		},
		{
			name:          "zero attempts means a single try",
			policy:        RetryPolicy{MaxAttempts: 0, InitialInterval: time.Millisecond},
			failures:      5,
			expectedCalls: 1,
			expectedError: "after 1 attempt(s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := mocks.NewMockPublisher(t)
			cmd := events.NewWelcomeEmailCommand("a@x.io", nil, nil)

			calls := 0
			publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
				return evt.ID == cmd.CommandID && evt.CorrelationID == "a@x.io"
			})).RunAndReturn(func(context.Context, ...*events.Event) error {
				calls++
				if calls <= tt.failures {
					return errors.New("broker unavailable")
				}
				return nil
			}).Times(tt.expectedCalls)

			err := NewEmailCommandEmitter(publisher, tt.policy).Emit(context.Background(), cmd)

			assert.Equal(t, tt.expectedCalls, calls)
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEmailCommandEmitter_StopsOnCancelledContext(t *testing.T) {
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("broker unavailable")).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emitter := NewEmailCommandEmitter(publisher, RetryPolicy{MaxAttempts: 10, InitialInterval: time.Second})
	err := emitter.Emit(ctx, events.NewFailureEmailCommand("a@x.io", "r"))

	assert.Error(t, err)
}

func TestEmailCommandEmitter_StalledPublishTimesOut(t *testing.T) {
	publisher := mocks.NewMockPublisher(t)
	publisher.EXPECT().Publish(mock.Anything, mock.Anything).
		RunAndReturn(func(ctx context.Context, _ ...*events.Event) error {
			<-ctx.Done()
			return ctx.Err()
		}).Times(2)

	emitter := NewEmailCommandEmitter(publisher, RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		AttemptTimeout:  20 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		done <- emitter.Emit(context.WithoutCancel(context.Background()), events.NewWelcomeEmailCommand("a@x.io", nil, nil))
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publish timed out after 20ms")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Emit did not return for a stalled publisher")
	}
}
