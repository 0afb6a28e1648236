package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/draftea/user-mail-saga/shared/models"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"

	deadLetterReasonAttribute = "dead_letter_reason"
)

type sqsMessage struct {
	Message     types.Message
	Event       *events.Event
	Disposition Disposition
	Err         error
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSEventSubscriber consumes one SQS queue with readers, workers and cleaners.
// Readers stop first on shutdown; workers and cleaners drain what was already received.
type SQSEventSubscriber struct {
	mux     sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	options *sqsSubscriberOptions

	client   sqsAPI
	queueURL string
	topic    events.Topic
	handler  events.EventHandler
}

type sqsSubscriberOptions struct {
	workers                    int32
	readers                    int32
	cleaners                   int32
	maxNumberOfMessages        int32
	waitTimeSeconds            int32
	visibilityTimeout          int32
	sleepTimeAfterEmptyReceive time.Duration
	sleepTimeAfterError        time.Duration
	receiveCountRange          int32
	visibilityTimeoutOffset    int32
	maxVisibilityTimeout       int32
	deadLetterQueueURL         string
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

func WithReaders(readers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.readers = readers
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

// WithDeadLetterQueueURL forwards poison messages to the given queue before deleting them
func WithDeadLetterQueueURL(queueURL string) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.deadLetterQueueURL = queueURL
	}
}

func defaultSQSSubscriberOptions() *sqsSubscriberOptions {
	return &sqsSubscriberOptions{
		workers:                    4,
		readers:                    1,
		cleaners:                   2,
		maxNumberOfMessages:        5,
		waitTimeSeconds:            15,
		visibilityTimeout:          30,
		sleepTimeAfterEmptyReceive: time.Second,
		sleepTimeAfterError:        5 * time.Second,
		receiveCountRange:          3,
		visibilityTimeoutOffset:    30,
		maxVisibilityTimeout:       900, // 15 minutes
	}
}

// NewSQSEventSubscriber creates a new SQS event subscriber for a topic's queue
func NewSQSEventSubscriber(
	client sqsAPI,
	queueURL string,
	topic events.Topic,
	handler events.EventHandler,
	opts ...SQSSubscriberOption,
) *SQSEventSubscriber {
	options := defaultSQSSubscriberOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &SQSEventSubscriber{
		client:   client,
		queueURL: queueURL,
		topic:    topic,
		handler:  handler,
		options:  options,
	}
}

// Start starts the SQS subscriber
func (s *SQSEventSubscriber) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.running.Load() {
		return nil
	}

	readCtx, cancel := context.WithCancel(ctx)
	// handling and settling outlive the read context so in-flight messages complete
	settleCtx := context.WithoutCancel(ctx)

	inbound := make(chan *sqsMessage, s.options.maxNumberOfMessages)
	outbound := make(chan *sqsMessage, s.options.maxNumberOfMessages)

	var readers, workers, cleaners sync.WaitGroup

	for i := 0; i < int(s.options.readers); i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			s.startReader(readCtx, inbound)
		}()
	}

	for i := 0; i < int(s.options.workers); i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.startWorker(settleCtx, inbound, outbound)
		}()
	}

	for i := 0; i < int(s.options.cleaners); i++ {
		cleaners.Add(1)
		go func() {
			defer cleaners.Done()
			s.startCleaner(settleCtx, outbound)
		}()
	}

	done := make(chan struct{})
	go func() {
		readers.Wait()
		close(inbound)
		workers.Wait()
		close(outbound)
		cleaners.Wait()
		close(done)
	}()

	s.cancel = cancel
	s.done = done
	s.running.Store(true)

	log.Info().Str("topic", s.topic.String()).Str("queue_url", s.queueURL).Msg("SQS subscription started")

	return nil
}

// Stop stops reading and waits until received messages are settled or ctx expires
func (s *SQSEventSubscriber) Stop(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.cancel()
	s.running.Store(false)

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out draining SQS subscriber")
	}
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context, inbound <-chan *sqsMessage, outbound chan<- *sqsMessage) {
	for message := range inbound {
		s.handle(ctx, message)
		outbound <- message
	}
}

func (s *SQSEventSubscriber) startReader(ctx context.Context, inbound chan<- *sqsMessage) {
	for {
		if ctx.Err() != nil {
			return
		}

		wait := time.Duration(0)
		received, err := s.read(ctx, inbound)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error().Err(err).Str("queue_url", s.queueURL).Msg("Failed to read from SQS")
			wait = s.options.sleepTimeAfterError
		case err == nil && received == 0:
			wait = s.options.sleepTimeAfterEmptyReceive
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (s *SQSEventSubscriber) startCleaner(ctx context.Context, outbound <-chan *sqsMessage) {
	for message := range outbound {
		if err := s.clean(ctx, message); err != nil {
			log.Error().
				Err(err).
				Str("queue_url", s.queueURL).
				Str("message_id", aws.ToString(message.Message.MessageId)).
				Msg("Failed to settle SQS message")
		}
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context, inbound chan<- *sqsMessage) (int, error) {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to receive message from SQS")
	}

	for _, message := range output.Messages {
		// messages already received are handed over even when shutdown has started,
		// otherwise they would sit invisible until their timeout
		inbound <- &sqsMessage{
			Message: message,
			Event:   eventFromSQSMessage(s.topic, message),
		}
	}

	return len(output.Messages), nil
}

func (s *SQSEventSubscriber) handle(ctx context.Context, message *sqsMessage) {
	if s.handler == nil {
		message.Err = errors.New("no handler configured")
	} else {
		message.Err = handleSafely(ctx, s.handler, message.Event)
	}
	message.Disposition = DispositionFor(message.Err)
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	switch message.Disposition {
	case DispositionAck:
		return s.delete(ctx, message)

	case DispositionDeadLetter:
		log.Error().
			Err(message.Err).
			Str("topic", s.topic.String()).
			Str("message_id", aws.ToString(message.Message.MessageId)).
			Msg("Rejecting message to dead-letter")

		if s.options.deadLetterQueueURL == "" {
			// the queue redrive policy moves it once maxReceiveCount is reached
			return nil
		}
		if _, err := s.client.SendMessage(ctx, deadLetterInput(s.options.deadLetterQueueURL, message)); err != nil {
			return errors.Wrap(err, "failed to forward message to dead-letter queue")
		}
		return s.delete(ctx, message)

	default:
		log.Warn().
			Err(message.Err).
			Str("topic", s.topic.String()).
			Str("message_id", aws.ToString(message.Message.MessageId)).
			Msg("Requeueing message")

		receiveCount, err := strconv.Atoi(message.Message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		if err != nil {
			receiveCount = 1
		}

		_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(s.queueURL),
			ReceiptHandle:     message.Message.ReceiptHandle,
			VisibilityTimeout: s.options.visibilityTimeoutFor(receiveCount),
		})
		if err != nil {
			return errors.Wrap(err, "failed to extend visibility timeout")
		}
		return nil
	}
}

func (s *SQSEventSubscriber) delete(ctx context.Context, message *sqsMessage) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: message.Message.ReceiptHandle,
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete message from SQS")
	}
	return nil
}

// visibilityTimeoutFor grows the timeout by one offset every receiveCountRange receives
func (o *sqsSubscriberOptions) visibilityTimeoutFor(receiveCount int) int32 {
	visibilityTimeout := o.visibilityTimeout
	if o.receiveCountRange > 0 {
		visibilityTimeout += (int32(receiveCount) / o.receiveCountRange) * o.visibilityTimeoutOffset
	}
	if visibilityTimeout > o.maxVisibilityTimeout {
		visibilityTimeout = o.maxVisibilityTimeout
	}
	return visibilityTimeout
}

func deadLetterInput(queueURL string, message *sqsMessage) *sqs.SendMessageInput {
	attrs := make(map[string]types.MessageAttributeValue, len(message.Message.MessageAttributes)+1)
	for k, v := range message.Message.MessageAttributes {
		attrs[k] = v
	}
	if message.Err != nil {
		attrs[deadLetterReasonAttribute] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(message.Err.Error()),
		}
	}

	return &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       message.Message.Body,
		MessageAttributes: attrs,
	}
}

// snsNotification is the wrapper SNS adds when raw message delivery is off
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// eventFromSQSMessage accepts our SNS envelope, the SNS notification wrapper around it,
// or a bare payload. The payload itself is decoded by the handler.
func eventFromSQSMessage(topic events.Topic, message types.Message) *events.Event {
	body := []byte(aws.ToString(message.Body))

	var notification snsNotification
	if err := json.Unmarshal(body, &notification); err == nil && notification.Type == "Notification" && notification.Message != "" {
		body = []byte(notification.Message)
	}

	event := &events.Event{
		Topic:     topic,
		Data:      body,
		Metadata:  make(events.Metadata),
		Timestamp: time.Now().UTC(),
	}

	var envelope snsMessage
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Topic != "" && len(envelope.Payload) > 0 {
		event.ID = models.ID(envelope.ID)
		event.Data = []byte(envelope.Payload)
		event.CorrelationID = envelope.CorrelationID
		if !envelope.Timestamp.IsZero() {
			event.Timestamp = envelope.Timestamp
		}
		for k, v := range envelope.Metadata {
			event.Metadata.Set(k, v)
		}
	}

	if event.ID.IsZero() {
		event.ID = models.ID(aws.ToString(message.MessageId))
	}
	if event.ID.IsZero() {
		event.ID = models.GenerateUUID()
	}

	for k, v := range message.MessageAttributes {
		if v.StringValue != nil {
			event.Metadata.Set(k, *v.StringValue)
		}
	}
	event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	if message.ReceiptHandle != nil {
		event.Metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
	}

	return event
}
