package config

import (
	"context"

	"github.com/draftea/user-mail-saga/saga-service/application"
	"github.com/draftea/user-mail-saga/saga-service/domain"
	"github.com/draftea/user-mail-saga/saga-service/handlers"
	"github.com/draftea/user-mail-saga/saga-service/infrastructure"
	"github.com/draftea/user-mail-saga/shared/events"
	sharedinfra "github.com/draftea/user-mail-saga/shared/infrastructure"
	"github.com/draftea/user-mail-saga/shared/saga"
	"github.com/draftea/user-mail-saga/shared/telemetry"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventPublisher is a publisher owning broker resources
type EventPublisher interface {
	events.Publisher
	Close() error
}

type Dependencies struct {
	// Stores
	DB    *sqlx.DB
	Redis *redis.Client

	// Broker
	RabbitMQ        *sharedinfra.RabbitMQConnection
	EventPublisher  EventPublisher
	EventSubscriber events.Subscriber

	// Repositories
	SagaRepository domain.SagaRepository

	// Use Cases
	UserCreationSaga *application.UserCreationSaga
	GetSaga          *application.GetSaga
	PurgeSagas       *application.PurgeSagas

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

// SubscribedTopics are the topics the saga consumes
var SubscribedTopics = []events.Topic{events.UserCreatedTopic, events.UserCreationFailedTopic}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.SagaServiceConfig.
			WithServiceName(config.ServiceName).
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			log.Warn().Err(err).Msg("Failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	sagaRepository, err := deps.buildSagaRepository(ctx, config)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	deps.SagaRepository = sagaRepository

	if err := deps.buildBroker(ctx, config); err != nil {
		_ = deps.Close()
		return nil, err
	}

	emitter := application.NewEmailCommandEmitter(deps.EventPublisher, application.RetryPolicy{
		MaxAttempts:     config.Saga.EmitMaxAttempts,
		InitialInterval: config.Saga.EmitInitialInterval,
		MaxInterval:     config.Saga.EmitMaxInterval,
		AttemptTimeout:  config.Saga.EmitAttemptTimeout,
	})

	// Initialize use cases
	deps.UserCreationSaga = application.NewUserCreationSaga(sagaRepository, saga.NewKeyedLocker(), emitter)
	deps.GetSaga = application.NewGetSaga(sagaRepository)
	deps.PurgeSagas = application.NewPurgeSagas(sagaRepository, config.Saga.Retention)

	// Initialize handlers
	deps.SagaHandlers = handlers.NewSagaHandlers(deps.GetSaga)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(deps.UserCreationSaga)

	log.Info().
		Str("broker", config.Broker.Driver).
		Str("store", config.Store.Driver).
		Msg("Dependencies ready")

	return deps, nil
}

func (d *Dependencies) buildSagaRepository(ctx context.Context, config *Config) (domain.SagaRepository, error) {
	switch config.Store.Driver {
	case StorePostgres:
		db, err := sqlx.ConnectContext(ctx, "postgres", config.GetDatabaseURL())
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to database")
		}
		d.DB = db

		repo := infrastructure.NewPostgresSagaRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil

	case StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     config.GetRedisAddr(),
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		d.Redis = client

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "failed to ping redis")
		}
		return infrastructure.NewRedisSagaRepository(client, config.Saga.Retention), nil

	default:
		return infrastructure.NewMemorySagaRepository(), nil
	}
}

func (d *Dependencies) buildBroker(ctx context.Context, config *Config) error {
	switch config.Broker.Driver {
	case BrokerAWS:
		awsConfig, err := sharedinfra.LoadAWSConfig(ctx, sharedinfra.AWSSettings{
			Region:          config.AWS.Region,
			AccessKeyID:     config.AWS.AccessKeyID,
			SecretAccessKey: config.AWS.SecretAccessKey,
		})
		if err != nil {
			return err
		}

		d.EventPublisher = sharedinfra.NewSNSPublisherAdapter(awsConfig, config.AWS.SNSTopicArn, config.AWS.EndpointSNS)
		d.EventSubscriber = sharedinfra.NewSQSSubscriberAdapter(awsConfig, config.AWS.EndpointSQS,
			map[events.Topic]string{
				events.UserCreatedTopic:        config.AWS.UserCreatedQueueURL,
				events.UserCreationFailedTopic: config.AWS.UserCreationFailedQueueURL,
			},
			sharedinfra.WithWorkers(config.AWS.Workers),
			sharedinfra.WithReaders(config.AWS.Readers),
			sharedinfra.WithVisibilityTimeout(config.AWS.VisibilityTimeout),
			sharedinfra.WithDeadLetterQueueURL(config.AWS.DeadLetterQueueURL),
		)
		return nil

	default:
		rabbit := config.RabbitMQ
		conn, err := sharedinfra.DialRabbitMQ(sharedinfra.RabbitMQURL(
			rabbit.Host, rabbit.Port, rabbit.Username, rabbit.Password, rabbit.VirtualHost,
		))
		if err != nil {
			return err
		}
		d.RabbitMQ = conn

		publisher, err := sharedinfra.NewRabbitMQPublisher(conn, sharedinfra.RabbitMQBindings{
			events.EmailCommandTopic: {
				Exchange:   rabbit.EmailCommandExchange,
				Queue:      rabbit.EmailCommandQueue,
				RoutingKey: rabbit.EmailCommandRoutingKey,
			},
		})
		if err != nil {
			return err
		}
		d.EventPublisher = publisher

		d.EventSubscriber = sharedinfra.NewRabbitMQSubscriber(conn, sharedinfra.RabbitMQSubscriberConfig{
			PrefetchCount:      rabbit.PrefetchCount,
			WorkerCount:        rabbit.WorkerCount,
			DeadLetterExchange: rabbit.DeadLetterExchange,
			Bindings: sharedinfra.RabbitMQBindings{
				events.UserCreatedTopic: {
					Exchange:   rabbit.UserCreatedExchange,
					Queue:      rabbit.UserCreatedQueue,
					RoutingKey: rabbit.UserCreatedRoutingKey,
				},
				events.UserCreationFailedTopic: {
					Exchange:   rabbit.UserCreationFailedExchange,
					Queue:      rabbit.UserCreationFailedQueue,
					RoutingKey: rabbit.UserCreationFailedRoutingKey,
				},
			},
		})
		return nil
	}
}

// Close releases everything in reverse order of construction. Subscriber first so no
// handler runs against a closed publisher or store.
func (d *Dependencies) Close() error {
	var errs []error

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close event subscriber"))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close event publisher"))
		}
	}

	if d.RabbitMQ != nil {
		if err := d.RabbitMQ.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close rabbitmq connection"))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close database"))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close redis"))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return errors.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
