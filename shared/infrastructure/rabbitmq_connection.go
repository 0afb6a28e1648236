package infrastructure

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	exchangeTypeTopic     = "topic"
	deadLetterQueueSuffix = ".dead-letter"
)

// RabbitMQBinding routes one topic through an exchange into a queue
type RabbitMQBinding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// RabbitMQBindings maps topics to their broker topology
type RabbitMQBindings map[events.Topic]RabbitMQBinding

// RabbitMQURL builds an AMQP URL from its parts
func RabbitMQURL(host string, port int, username, password, virtualHost string) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(username, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + url.PathEscape(virtualHost),
	}
	if virtualHost == "/" || virtualHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// RabbitMQConnection owns the AMQP connection shared by publisher and subscriber channels
type RabbitMQConnection struct {
	mu   sync.Mutex
	conn *amqp.Connection
}

// DialRabbitMQ connects to the broker
func DialRabbitMQ(amqpURL string) (*RabbitMQConnection, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	go func() {
		if closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && closeErr != nil {
			log.Error().Err(closeErr).Msg("RabbitMQ connection closed")
		}
	}()

	return &RabbitMQConnection{conn: conn}, nil
}

// Channel opens a new channel on the connection
func (c *RabbitMQConnection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil, errors.New("rabbitmq connection is closed")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open RabbitMQ channel")
	}
	return ch, nil
}

// Close closes the connection and every channel opened on it
func (c *RabbitMQConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// topologyChannel is the part of *amqp.Channel used to declare topology
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

func (c *RabbitMQConnection) topologyChannel() (topologyChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DeclareTopology declares a binding on its own channel. A queue that already exists with
// different arguments (declared by a peer or an older deployment) is kept as is.
func (c *RabbitMQConnection) DeclareTopology(binding RabbitMQBinding, deadLetterExchange string) error {
	return declareTopology(c.topologyChannel, binding, deadLetterExchange)
}

func declareTopology(open func() (topologyChannel, error), binding RabbitMQBinding, deadLetterExchange string) error {
	ch, err := open()
	if err != nil {
		return err
	}

	err = declareBinding(ch, binding, deadLetterExchange)
	if !isPreconditionFailed(err) {
		ch.Close()
		return err
	}

	// a 406 closes the channel broker-side, bind on a fresh one
	_ = ch.Close()
	log.Warn().
		Err(err).
		Str("queue", binding.Queue).
		Msg("RabbitMQ queue exists with different arguments, using it as declared")

	ch, err = open()
	if err != nil {
		return err
	}
	defer ch.Close()

	return declareExistingBinding(ch, binding)
}

func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// declareBinding declares the exchange, the durable queue and the binding between them.
// With a dead-letter exchange set, rejected messages land in <queue>.dead-letter.
func declareBinding(ch topologyChannel, binding RabbitMQBinding, deadLetterExchange string) error {
	if err := ch.ExchangeDeclare(binding.Exchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", binding.Exchange)
	}

	if deadLetterExchange != "" {
		if err := ch.ExchangeDeclare(deadLetterExchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare dead-letter exchange %s", deadLetterExchange)
		}

		dlq := binding.Queue + deadLetterQueueSuffix
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare dead-letter queue %s", dlq)
		}
		if err := ch.QueueBind(dlq, binding.RoutingKey, deadLetterExchange, false, nil); err != nil {
			return errors.Wrapf(err, "failed to bind dead-letter queue %s", dlq)
		}
	}

	if _, err := ch.QueueDeclare(binding.Queue, true, false, false, false, queueArgs(deadLetterExchange)); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", binding.Queue)
	}

	if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s to %s", binding.Queue, binding.Exchange)
	}

	log.Debug().
		Str("exchange", binding.Exchange).
		Str("queue", binding.Queue).
		Str("routing_key", binding.RoutingKey).
		Msg("RabbitMQ binding declared")

	return nil
}

// declareExistingBinding binds a queue that must already exist, whatever its arguments
func declareExistingBinding(ch topologyChannel, binding RabbitMQBinding) error {
	if err := ch.ExchangeDeclare(binding.Exchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", binding.Exchange)
	}
	if _, err := ch.QueueDeclarePassive(binding.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to inspect queue %s", binding.Queue)
	}
	if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind queue %s to %s", binding.Queue, binding.Exchange)
	}
	return nil
}

func queueArgs(deadLetterExchange string) amqp.Table {
	if deadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
}
