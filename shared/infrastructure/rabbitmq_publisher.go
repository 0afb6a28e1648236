package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ events.Publisher = (*RabbitMQPublisher)(nil)

const contentTypeJSON = "application/json"

// RabbitMQPublisher publishes events as persistent messages and waits for broker confirms
type RabbitMQPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	bindings RabbitMQBindings
}

// NewRabbitMQPublisher declares the topology of every published topic and opens a confirm-mode channel.
// Published queues are declared without arguments, their consumer owns the dead-letter policy.
func NewRabbitMQPublisher(conn *RabbitMQConnection, bindings RabbitMQBindings) (*RabbitMQPublisher, error) {
	if err := declarePublishedTopology(conn.topologyChannel, bindings); err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "failed to enable publisher confirms")
	}

	return &RabbitMQPublisher{ch: ch, bindings: bindings}, nil
}

// Publish publishes events to the exchange bound to their topic
func (p *RabbitMQPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	for _, event := range evts {
		binding, ok := p.bindings[event.Topic]
		if !ok {
			return errors.Wrapf(events.ErrInvalidTopic, "no RabbitMQ binding for topic %s", event.Topic)
		}

		msg, err := publishingFromEvent(event)
		if err != nil {
			return err
		}

		p.mu.Lock()
		confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, binding.Exchange, binding.RoutingKey, false, false, msg)
		p.mu.Unlock()
		if err != nil {
			return errors.Wrapf(err, "failed to publish to %s", binding.Exchange)
		}

		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return errors.Wrap(err, "failed waiting for publish confirm")
		}
		if !acked {
			return errors.Errorf("broker rejected message %s", event.ID)
		}
	}

	return nil
}

// Close closes the publisher channel
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}

func declarePublishedTopology(open func() (topologyChannel, error), bindings RabbitMQBindings) error {
	for _, binding := range bindings {
		if err := declareTopology(open, binding, ""); err != nil {
			return err
		}
	}
	return nil
}

func publishingFromEvent(event *events.Event) (amqp.Publishing, error) {
	body, err := event.MarshalPayload()
	if err != nil {
		return amqp.Publishing{}, errors.Wrap(err, "failed to marshal payload")
	}

	headers := amqp.Table{}
	for k, v := range event.Metadata {
		headers[k] = v
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: event.CorrelationID,
		MessageId:     event.ID.String(),
		Timestamp:     timestamp,
		Type:          event.Topic.String(),
		Body:          body,
	}, nil
}
