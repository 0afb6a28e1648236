package saga

import (
	"context"

	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/rs/zerolog/log"
)

var _ events.EventHandler = (*EventRouter)(nil)

type route struct {
	topic   events.Topic
	handler events.EventHandler
}

// EventRouter routes events to the handlers registered for their topic
type EventRouter struct {
	routes []route
}

// NewEventRouter creates a new event router
func NewEventRouter() *EventRouter {
	return &EventRouter{}
}

// RegisterHandler registers an event handler for a topic
func (r *EventRouter) RegisterHandler(topic events.Topic, handler events.EventHandler) {
	r.routes = append(r.routes, route{topic: topic, handler: handler})
}

// Handle routes an event to every handler of its topic and stops at the first error,
// so the broker can reject or redeliver the message.
func (r *EventRouter) Handle(ctx context.Context, event *events.Event) error {
	matched := false
	for _, rt := range r.routes {
		if event.Topic != rt.topic {
			continue
		}
		matched = true
		if err := rt.handler.Handle(ctx, event); err != nil {
			return err
		}
	}

	if !matched {
		log.Warn().
			Str("topic", event.Topic.String()).
			Str("event_id", event.ID.String()).
			Msg("No handlers registered for event topic")
	}

	return nil
}
