// Package pgqueue implements queue.Queue on a PostgreSQL table. Receivers
// claim rows with FOR UPDATE SKIP LOCKED and push visible_at forward by the
// visibility timeout, so an unacknowledged row reappears once it elapses.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultPollInterval = 250 * time.Millisecond

const schema = `
	CREATE TABLE IF NOT EXISTS fulfillment_queue (
		id BIGSERIAL PRIMARY KEY,
		queue_name TEXT NOT NULL,
		body BYTEA NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		receive_count INT NOT NULL DEFAULT 0,
		receipt TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_fulfillment_queue_visible
		ON fulfillment_queue (queue_name, visible_at, id);

	CREATE TABLE IF NOT EXISTS fulfillment_dead_letter (
		id BIGSERIAL PRIMARY KEY,
		message_id BIGINT NOT NULL,
		queue_name TEXT NOT NULL,
		body BYTEA NOT NULL,
		receive_count INT NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL,
		dead_lettered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

type Queue struct {
	pool   *pgxpool.Pool
	opts   Options
	tracer trace.Tracer
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, opts Options, logger *zap.Logger) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	return &Queue{
		pool:   pool,
		opts:   opts,
		tracer: otel.Tracer("queue/pgqueue"),
		logger: logger,
	}
}

func (q *Queue) Ensure(ctx context.Context) error {
	ctx, span := q.tracer.Start(ctx, "PgQueue.Ensure")
	defer span.End()

	var table *string
	if err := q.pool.QueryRow(ctx, `SELECT to_regclass('fulfillment_queue')::text`).Scan(&table); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error looking up queue table: %w", err)
	}

	if table != nil {
		mylogger.Debug(ctx, q.logger, "Queue table already exists", zap.String("queue", q.opts.Name))
		return nil
	}

	mylogger.Info(ctx, q.logger, "Queue table not found, creating", zap.String("queue", q.opts.Name))

	if _, err := q.pool.Exec(ctx, schema); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error creating queue table: %w", err)
	}

	return nil
}

func (q *Queue) Publish(ctx context.Context, event domain.FulfillmentEvent) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrNotPublished, err)
	}

	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues body without encoding it as a fulfillment event.
func (q *Queue) PublishRaw(ctx context.Context, body []byte) error {
	ctx, span := q.tracer.Start(ctx, "PgQueue.Publish")
	defer span.End()

	span.SetAttributes(attribute.String("queue.name", q.opts.Name))

	query := `
		INSERT INTO fulfillment_queue (queue_name, body)
		VALUES ($1, $2)
	`

	if _, err := q.pool.Exec(ctx, query, q.opts.Name, body); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error publishing message: %w", err)
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		d, err := q.claim(ctx)
		if err != nil || d != nil {
			return d, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*queue.Delivery, error) {
	ctx, span := q.tracer.Start(ctx, "PgQueue.Claim")
	defer span.End()

	query := `
		UPDATE fulfillment_queue
		SET receive_count = receive_count + 1,
			receipt = $2,
			visible_at = NOW() + make_interval(secs => $3)
		WHERE id = (
			SELECT id
			FROM fulfillment_queue
			WHERE queue_name = $1 AND visible_at <= NOW()
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, body, receive_count, enqueued_at
	`

	receipt := uuid.NewString()

	var (
		id int64
		d  = queue.Delivery{Receipt: receipt}
	)
	err := q.pool.QueryRow(
		ctx,
		query,
		q.opts.Name,
		receipt,
		q.opts.VisibilityTimeout.Seconds(),
	).Scan(&id, &d.Body, &d.Attempts, &d.EnqueuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error receiving message: %w", err)
	}

	d.ID = strconv.FormatInt(id, 10)
	span.SetAttributes(
		attribute.Int64("message_id", id),
		attribute.Int("receive_count", d.Attempts),
	)

	return &d, nil
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	ctx, span := q.tracer.Start(ctx, "PgQueue.Ack")
	defer span.End()

	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery id %q: %w", d.ID, err)
	}

	span.SetAttributes(attribute.Int64("message_id", id))

	query := `
		DELETE FROM fulfillment_queue
		WHERE id = $1 AND receipt = $2 AND visible_at > NOW()
	`

	tag, err := q.pool.Exec(ctx, query, id, d.Receipt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error acknowledging message: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return queue.ErrStaleReceipt
	}

	return nil
}

func (q *Queue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	ctx, span := q.tracer.Start(ctx, "PgQueue.DeadLetter")
	defer span.End()

	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery id %q: %w", d.ID, err)
	}

	span.SetAttributes(
		attribute.Int64("message_id", id),
		attribute.String("dead_letter.reason", reason),
	)

	query := `
		WITH moved AS (
			DELETE FROM fulfillment_queue
			WHERE id = $1 AND receipt = $2
			RETURNING id, queue_name, body, receive_count, enqueued_at
		)
		INSERT INTO fulfillment_dead_letter (message_id, queue_name, body, receive_count, enqueued_at, reason)
		SELECT id, queue_name, body, receive_count, enqueued_at, $3
		FROM moved
	`

	tag, err := q.pool.Exec(ctx, query, id, d.Receipt, reason)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error dead-lettering message: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return queue.ErrStaleReceipt
	}

	return nil
}

// DeadLetters lists up to limit dead-lettered messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetterDelivery, error) {
	ctx, span := q.tracer.Start(ctx, "PgQueue.DeadLetters")
	defer span.End()

	query := `
		SELECT message_id, body, receive_count, enqueued_at, reason
		FROM fulfillment_dead_letter
		WHERE queue_name = $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := q.pool.Query(ctx, query, q.opts.Name, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []queue.DeadLetterDelivery
	for rows.Next() {
		var (
			id int64
			dl queue.DeadLetterDelivery
		)
		if err := rows.Scan(&id, &dl.Body, &dl.Attempts, &dl.EnqueuedAt, &dl.Reason); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning dead letter: %w", err)
		}

		dl.ID = strconv.FormatInt(id, 10)
		out = append(out, dl)
	}

	return out, rows.Err()
}

// Close is a no-op: the pool belongs to the caller.
func (q *Queue) Close() error {
	return nil
}
