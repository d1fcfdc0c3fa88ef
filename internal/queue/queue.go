// Package queue is the at-least-once hand-off between the intake path and the
// confirmation worker. A received delivery stays invisible to other receivers
// for the visibility timeout; if it is not acknowledged by then it is handed
// out again with its Attempts counter incremented.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
)

var (
	ErrClosed = errors.New("queue is closed")
	// ErrStaleReceipt is returned by Ack and DeadLetter when the delivery was
	// already settled or its visibility timeout elapsed and another receiver
	// now holds it.
	ErrStaleReceipt = errors.New("delivery receipt is no longer valid")
	// ErrNotPublished marks a Publish failure that happened before anything
	// reached the queue. Any other Publish error may have left the message
	// enqueued.
	ErrNotPublished = errors.New("message was not published")
)

type Delivery struct {
	ID         string
	Receipt    string
	Body       []byte
	Attempts   int
	EnqueuedAt time.Time
}

type Queue interface {
	// Ensure creates the backing queue when it does not exist yet. Calling it
	// against an existing queue is a no-op.
	Ensure(ctx context.Context) error
	Publish(ctx context.Context, event domain.FulfillmentEvent) error
	// Receive waits up to wait for a visible message. It returns nil, nil
	// when nothing arrived in time.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Close() error
}

// DeadLetterDelivery is a message removed from the live queue together with
// the reason it was given up on.
type DeadLetterDelivery struct {
	Delivery
	Reason string
}
