package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var _ events.Subscriber = (*SQSSubscriberAdapter)(nil)

const sqsDrainTimeout = 30 * time.Second

// SQSSubscriberAdapter runs one SQSEventSubscriber per subscribed topic
type SQSSubscriberAdapter struct {
	mu          sync.Mutex
	client      sqsAPI
	queueURLs   map[events.Topic]string
	opts        []SQSSubscriberOption
	subscribers []*SQSEventSubscriber
}

// NewSQSSubscriberAdapter creates a new SQS subscriber adapter. An empty endpoint keeps the SDK default.
func NewSQSSubscriberAdapter(cfg aws.Config, endpoint string, queueURLs map[events.Topic]string, opts ...SQSSubscriberOption) *SQSSubscriberAdapter {
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newSQSSubscriberAdapter(client, queueURLs, opts...)
}

func newSQSSubscriberAdapter(client sqsAPI, queueURLs map[events.Topic]string, opts ...SQSSubscriberOption) *SQSSubscriberAdapter {
	return &SQSSubscriberAdapter{
		client:    client,
		queueURLs: queueURLs,
		opts:      opts,
	}
}

// Subscribe implements events.Subscriber interface
func (s *SQSSubscriberAdapter) Subscribe(ctx context.Context, topic events.Topic, handler events.EventHandler) error {
	queueURL, ok := s.queueURLs[topic]
	if !ok || queueURL == "" {
		return errors.Wrapf(events.ErrInvalidTopic, "no SQS queue for topic %s", topic)
	}

	subscriber := NewSQSEventSubscriber(s.client, queueURL, topic, handler, s.opts...)
	if err := subscriber.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start SQS subscriber")
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, subscriber)
	s.mu.Unlock()

	return nil
}

// Close stops every subscriber and waits for in-flight messages
func (s *SQSSubscriberAdapter) Close() error {
	s.mu.Lock()
	subscribers := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sqsDrainTimeout)
	defer cancel()

	var gr errgroup.Group
	for _, subscriber := range subscribers {
		subscriber := subscriber
		gr.Go(func() error {
			if err := subscriber.Stop(ctx); err != nil {
				return errors.Wrapf(err, "failed to stop SQS subscriber for %s", subscriber.topic)
			}
			return nil
		})
	}
	return gr.Wait()
}
