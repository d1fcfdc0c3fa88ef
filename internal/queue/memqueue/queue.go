// Package memqueue is an in-process queue.Queue with the same visibility
// timeout semantics as the networked backends.
package memqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/google/uuid"
)

const pollInterval = 5 * time.Millisecond

type message struct {
	id           string
	body         []byte
	enqueuedAt   time.Time
	attempts     int
	receipt      string
	invisibleTil time.Time
}

type Queue struct {
	mu                sync.Mutex
	messages          []*message
	dead              []queue.DeadLetterDelivery
	visibilityTimeout time.Duration
	seq               int64
	closed            bool
	now               func() time.Time
}

func New(visibilityTimeout time.Duration) *Queue {
	return &Queue{
		visibilityTimeout: visibilityTimeout,
		now:               time.Now,
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) Ensure(ctx context.Context) error {
	return ctx.Err()
}

func (q *Queue) Publish(ctx context.Context, event domain.FulfillmentEvent) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrNotPublished, err)
	}

	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues body as is, bypassing event encoding.
func (q *Queue) PublishRaw(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrNotPublished, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: %w", queue.ErrNotPublished, queue.ErrClosed)
	}

	q.seq++
	q.messages = append(q.messages, &message{
		id:         strconv.FormatInt(q.seq, 10),
		body:       append([]byte(nil), body...),
		enqueuedAt: q.now(),
	})

	return nil
}

func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryReceive()
		if err != nil || d != nil {
			return d, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryReceive() (*queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrClosed
	}

	now := q.now()
	for _, m := range q.messages {
		if now.Before(m.invisibleTil) {
			continue
		}

		m.attempts++
		m.receipt = uuid.NewString()
		m.invisibleTil = now.Add(q.visibilityTimeout)

		return &queue.Delivery{
			ID:         m.id,
			Receipt:    m.receipt,
			Body:       append([]byte(nil), m.body...),
			Attempts:   m.attempts,
			EnqueuedAt: m.enqueuedAt,
		}, nil
	}

	return nil, nil
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.remove(d)
	return err
}

func (q *Queue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.remove(d)
	if err != nil {
		return err
	}

	q.dead = append(q.dead, queue.DeadLetterDelivery{
		Delivery: queue.Delivery{
			ID:         m.id,
			Receipt:    m.receipt,
			Body:       m.body,
			Attempts:   m.attempts,
			EnqueuedAt: m.enqueuedAt,
		},
		Reason: reason,
	})

	return nil
}

// remove drops the message matching d's receipt. Callers hold q.mu.
func (q *Queue) remove(d *queue.Delivery) (*message, error) {
	now := q.now()
	for i, m := range q.messages {
		if m.id != d.ID {
			continue
		}

		if m.receipt != d.Receipt || !now.Before(m.invisibleTil) {
			return nil, queue.ErrStaleReceipt
		}

		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return m, nil
	}

	return nil, queue.ErrStaleReceipt
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

// Len returns the number of messages not yet acknowledged or dead-lettered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.messages)
}

func (q *Queue) DeadLetters() []queue.DeadLetterDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]queue.DeadLetterDelivery(nil), q.dead...)
}
