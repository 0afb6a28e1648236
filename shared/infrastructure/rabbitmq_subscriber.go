package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/draftea/user-mail-saga/shared/models"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

var _ events.Subscriber = (*RabbitMQSubscriber)(nil)

const (
	RabbitMQRoutingKeyKey  = "rabbitmq_routing_key"
	RabbitMQRedeliveredKey = "rabbitmq_redelivered"
)

// RabbitMQSubscriberConfig configures consumption
type RabbitMQSubscriberConfig struct {
	PrefetchCount      int
	WorkerCount        int
	DeadLetterExchange string
	Bindings           RabbitMQBindings
}

type rabbitConsumer struct {
	ch  *amqp.Channel
	tag string
}

// RabbitMQSubscriber consumes bound queues with a pool of workers per topic.
// Messages are acked, requeued or dead-lettered from the handler result.
type RabbitMQSubscriber struct {
	conn   *RabbitMQConnection
	config RabbitMQSubscriberConfig

	mu        sync.Mutex
	consumers []*rabbitConsumer
	closed    bool
	wg        sync.WaitGroup
}

// NewRabbitMQSubscriber creates a new RabbitMQSubscriber
func NewRabbitMQSubscriber(conn *RabbitMQConnection, config RabbitMQSubscriberConfig) *RabbitMQSubscriber {
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 10
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	return &RabbitMQSubscriber{conn: conn, config: config}
}

// Subscribe declares the topic's topology and starts consuming it.
// It returns once consumption has started.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, topic events.Topic, handler events.EventHandler) error {
	binding, ok := s.config.Bindings[topic]
	if !ok {
		return errors.Wrapf(events.ErrInvalidTopic, "no RabbitMQ binding for topic %s", topic)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber is closed")
	}

	if err := s.conn.DeclareTopology(binding, s.config.DeadLetterExchange); err != nil {
		return err
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(s.config.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return errors.Wrap(err, "failed to set QoS")
	}

	tag := fmt.Sprintf("%s-%s", binding.Queue, models.GenerateUUID())
	deliveries, err := ch.Consume(binding.Queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return errors.Wrapf(err, "failed to consume %s", binding.Queue)
	}

	s.consumers = append(s.consumers, &rabbitConsumer{ch: ch, tag: tag})

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.work(ctx, topic, deliveries, handler)
	}

	log.Info().
		Str("topic", topic.String()).
		Str("queue", binding.Queue).
		Str("exchange", binding.Exchange).
		Str("routing_key", binding.RoutingKey).
		Int("workers", s.config.WorkerCount).
		Msg("RabbitMQ subscription started")

	return nil
}

// Close stops consuming, waits for in-flight messages to settle and closes the channels
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	s.mu.Unlock()

	for _, c := range consumers {
		if err := c.ch.Cancel(c.tag, false); err != nil {
			log.Warn().Err(err).Str("consumer", c.tag).Msg("Failed to cancel RabbitMQ consumer")
		}
	}

	s.wg.Wait()

	var lastErr error
	for _, c := range consumers {
		if c.ch.IsClosed() {
			continue
		}
		if err := c.ch.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (s *RabbitMQSubscriber) work(ctx context.Context, topic events.Topic, deliveries <-chan amqp.Delivery, handler events.EventHandler) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			handleDelivery(ctx, topic, delivery, handler)
		}
	}
}

// handleDelivery runs the handler on a detached context, so shutdown never aborts a message half way,
// then settles the delivery
func handleDelivery(ctx context.Context, topic events.Topic, delivery amqp.Delivery, handler events.EventHandler) Disposition {
	event := eventFromDelivery(topic, delivery)
	err := handleSafely(context.WithoutCancel(ctx), handler, event)
	disposition := DispositionFor(err)

	logger := log.With().
		Str("topic", topic.String()).
		Str("message_id", delivery.MessageId).
		Uint64("delivery_tag", delivery.DeliveryTag).
		Logger()

	var settleErr error
	switch disposition {
	case DispositionAck:
		settleErr = delivery.Ack(false)
	case DispositionDeadLetter:
		logger.Error().Err(err).Msg("Rejecting message to dead-letter")
		settleErr = delivery.Nack(false, false)
	default:
		logger.Warn().Err(err).Bool("redelivered", delivery.Redelivered).Msg("Requeueing message")
		settleErr = delivery.Nack(false, true)
	}
	if settleErr != nil {
		logger.Error().Err(settleErr).Str("disposition", disposition.String()).Msg("Failed to settle message")
	}

	return disposition
}

func eventFromDelivery(topic events.Topic, delivery amqp.Delivery) *events.Event {
	event := &events.Event{
		ID:            models.ID(delivery.MessageId),
		Topic:         topic,
		Data:          delivery.Body,
		Metadata:      make(events.Metadata),
		Timestamp:     delivery.Timestamp,
		CorrelationID: delivery.CorrelationId,
	}
	if event.ID.IsZero() {
		event.ID = models.GenerateUUID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for k, v := range delivery.Headers {
		if str, ok := v.(string); ok {
			event.Metadata.Set(k, str)
		}
	}
	event.Metadata.Set(RabbitMQRoutingKeyKey, delivery.RoutingKey)
	if delivery.Redelivered {
		event.Metadata.Set(RabbitMQRedeliveredKey, "true")
	}

	return event
}
