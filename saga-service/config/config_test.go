package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "user-mail-saga", cfg.ServiceName)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BrokerRabbitMQ, cfg.Broker.Driver)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)

	assert.Equal(t, "user.events", cfg.RabbitMQ.UserCreatedExchange)
	assert.Equal(t, "user.created.queue", cfg.RabbitMQ.UserCreatedQueue)
	assert.Equal(t, "user.created", cfg.RabbitMQ.UserCreatedRoutingKey)
	assert.Equal(t, "user.creation.failed.queue", cfg.RabbitMQ.UserCreationFailedQueue)
	assert.Equal(t, "user.creation.failed", cfg.RabbitMQ.UserCreationFailedRoutingKey)
	assert.Equal(t, "saga.commands", cfg.RabbitMQ.EmailCommandExchange)
	assert.Equal(t, "email.command.queue", cfg.RabbitMQ.EmailCommandQueue)
	assert.Equal(t, "saga.email.command", cfg.RabbitMQ.EmailCommandRoutingKey)
	assert.Equal(t, "saga.dead-letter", cfg.RabbitMQ.DeadLetterExchange)

	assert.Equal(t, uint(3), cfg.Saga.EmitMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Saga.EmitInitialInterval)
	assert.Equal(t, 2*time.Second, cfg.Saga.EmitMaxInterval)
	assert.Equal(t, 5*time.Second, cfg.Saga.EmitAttemptTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Saga.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Saga.PurgeInterval)

	assert.Equal(t, int32(4), cfg.AWS.Workers)
	assert.Equal(t, int32(1), cfg.AWS.Readers)
	assert.Equal(t, int32(30), cfg.AWS.VisibilityTimeout)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SAGA_PORT", "9090")
	t.Setenv("SAGA_STORE_DRIVER", "redis")
	t.Setenv("SAGA_RABBITMQ_HOST", "mq")
	t.Setenv("SAGA_RABBITMQ_DEAD_LETTER_EXCHANGE", "")
	t.Setenv("SAGA_SAGA_RETENTION", "1h")
	t.Setenv("SAGA_SAGA_EMIT_MAX_ATTEMPTS", "5")
	t.Setenv("SAGA_SAGA_EMIT_ATTEMPT_TIMEOUT", "750ms")
	t.Setenv("SAGA_AWS_READERS", "3")
	t.Setenv("SAGA_TELEMETRY_ENABLED", "true")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, "mq", cfg.RabbitMQ.Host)
	assert.Empty(t, cfg.RabbitMQ.DeadLetterExchange)
	assert.Equal(t, time.Hour, cfg.Saga.Retention)
	assert.Equal(t, uint(5), cfg.Saga.EmitMaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Saga.EmitAttemptTimeout)
	assert.Equal(t, int32(3), cfg.AWS.Readers)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		expectedError string
	}{
		{
			name:          "unknown broker",
			env:           map[string]string{"SAGA_BROKER_DRIVER": "kafka"},
			expectedError: `unknown broker driver "kafka"`,
		},
		{
			name:          "unknown store",
			env:           map[string]string{"SAGA_STORE_DRIVER": "mongo"},
			expectedError: `unknown store driver "mongo"`,
		},
		{
			name:          "zero emit attempts",
			env:           map[string]string{"SAGA_SAGA_EMIT_MAX_ATTEMPTS": "0"},
			expectedError: "saga.emit_max_attempts must be at least 1",
		},
		{
			name:          "non-positive emit attempt timeout",
			env:           map[string]string{"SAGA_SAGA_EMIT_ATTEMPT_TIMEOUT": "0s"},
			expectedError: "saga.emit_attempt_timeout must be positive",
		},
		{
			name:          "retention without purge interval",
			env:           map[string]string{"SAGA_SAGA_PURGE_INTERVAL": "0s"},
			expectedError: "saga.purge_interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := load(viper.New())

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	cfg := &Config{Database: Database{
		Host:     "db",
		Port:     5432,
		User:     "saga",
		Password: "secret",
		Database: "user_mail_saga",
		SSLMode:  "disable",
	}}
	assert.Equal(t, "postgres://saga:secret@db:5432/user_mail_saga?sslmode=disable", cfg.GetDatabaseURL())

	cfg.Database.URL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.GetDatabaseURL())
}
