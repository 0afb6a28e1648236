package infrastructure

import (
	"context"

	"github.com/draftea/user-mail-saga/shared/events"
	"github.com/pkg/errors"
)

// Disposition is what a subscriber does with a message once its handler returns
type Disposition int

const (
	// DispositionAck removes the message from the queue
	DispositionAck Disposition = iota
	// DispositionRequeue makes the message available for redelivery
	DispositionRequeue
	// DispositionDeadLetter moves the message aside, it will never succeed
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionRequeue:
		return "requeue"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// DispositionFor maps a handler result to a disposition.
// Payload errors are permanent; everything else is worth another try.
func DispositionFor(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case errors.Is(err, events.ErrInvalidPayload):
		return DispositionDeadLetter
	default:
		return DispositionRequeue
	}
}

// handleSafely runs the handler and turns a panic into an error
func handleSafely(ctx context.Context, handler events.EventHandler, event *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}
