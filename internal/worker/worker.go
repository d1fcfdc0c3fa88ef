// Package worker drains the fulfillment queue into durable orders.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/repository"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ReasonUnparseable = "unparseable"
	ReasonMaxReceives = "max_receives_exceeded"

	settleTimeout       = 5 * time.Second
	defaultErrorBackoff = 5 * time.Second
)

type Metrics interface {
	OrderConfirmed()
	MessageDeadLettered(reason string)
}

type nopMetrics struct{}

func (nopMetrics) OrderConfirmed()            {}
func (nopMetrics) MessageDeadLettered(string) {}

type Options struct {
	WaitTime     time.Duration
	MaxReceives  int
	ErrorBackoff time.Duration
	// EnsureSchema runs once before polling starts. Nil skips it.
	EnsureSchema func(ctx context.Context) error
	Metrics      Metrics
}

type ConfirmationWorker struct {
	queue  queue.Queue
	repo   repository.OrderRepository
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewConfirmationWorker(
	q queue.Queue,
	repo repository.OrderRepository,
	opts Options,
	logger *zap.Logger,
) *ConfirmationWorker {
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}

	return &ConfirmationWorker{
		queue:  q,
		repo:   repo,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("confirmation-worker"),
		now:    time.Now,
	}
}

// Run prepares the schema and the queue, then consumes until ctx is done.
// It only returns an error when startup fails.
func (w *ConfirmationWorker) Run(ctx context.Context) error {
	if w.opts.EnsureSchema != nil {
		if err := w.opts.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("error ensuring orders schema: %w", err)
		}
	}

	if err := w.queue.Ensure(ctx); err != nil {
		return fmt.Errorf("error ensuring queue: %w", err)
	}

	mylogger.Info(
		ctx,
		w.logger,
		"Starting confirmation worker",
		zap.Duration("wait_time", w.opts.WaitTime),
		zap.Int("max_receives", w.opts.MaxReceives),
	)

	b := w.newBackOff()

	for {
		if ctx.Err() != nil {
			mylogger.Info(ctx, w.logger, "Confirmation worker stopping")
			return nil
		}

		err := w.processNext(ctx)
		if err == nil {
			b.Reset()
			continue
		}

		if ctx.Err() != nil {
			mylogger.Info(ctx, w.logger, "Confirmation worker stopping")
			return nil
		}

		wait := b.NextBackOff()
		mylogger.Error(
			ctx,
			w.logger,
			"Error processing fulfillment message",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (w *ConfirmationWorker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = w.opts.ErrorBackoff
	if b.InitialInterval > w.opts.ErrorBackoff {
		b.InitialInterval = w.opts.ErrorBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

func (w *ConfirmationWorker) processNext(ctx context.Context) error {
	d, err := w.queue.Receive(ctx, w.opts.WaitTime)
	if err != nil {
		return fmt.Errorf("error receiving message: %w", err)
	}

	if d == nil {
		return nil
	}

	return w.handle(ctx, d)
}

func (w *ConfirmationWorker) handle(ctx context.Context, d *queue.Delivery) error {
	ctx, span := w.tracer.Start(ctx, "ConfirmationWorker.handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", d.ID),
		attribute.Int("attempts", d.Attempts),
	)

	if w.opts.MaxReceives > 0 && d.Attempts > w.opts.MaxReceives {
		mylogger.Error(
			ctx,
			w.logger,
			"Fulfillment message exceeded max receives, dead-lettering",
			zap.String("message_id", d.ID),
			zap.Int("attempts", d.Attempts),
			zap.ByteString("body", d.Body),
		)

		return w.deadLetter(ctx, d, ReasonMaxReceives)
	}

	event, err := domain.ParseFulfillmentEvent(d.Body)
	if err != nil {
		mylogger.Error(
			ctx,
			w.logger,
			"Unparseable fulfillment message, dead-lettering",
			zap.String("message_id", d.ID),
			zap.ByteString("body", d.Body),
			zap.Error(err),
		)

		return w.deadLetter(ctx, d, ReasonUnparseable)
	}

	order := &domain.Order{
		OrderID:   uuid.NewString(),
		BuyerID:   event.BuyerID,
		ProductID: event.ProductID,
		Status:    domain.OrderStatusConfirmed,
		CreatedAt: w.now().UTC(),
	}

	if err := w.repo.CreateOrder(ctx, order); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error persisting order for message %s: %w", d.ID, err)
	}

	w.opts.Metrics.OrderConfirmed()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := w.queue.Ack(settleCtx, d); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			mylogger.Warn(
				ctx,
				w.logger,
				"Order persisted but receipt expired, message will be redelivered",
				zap.String("message_id", d.ID),
				zap.String("order_id", order.OrderID),
			)

			return nil
		}

		return fmt.Errorf("error acknowledging message %s: %w", d.ID, err)
	}

	mylogger.Info(
		ctx,
		w.logger,
		"Order confirmed",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.BuyerID),
		zap.String("product_id", order.ProductID),
	)

	return nil
}

func (w *ConfirmationWorker) deadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := w.queue.DeadLetter(settleCtx, d, reason); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			return nil
		}

		return fmt.Errorf("error dead-lettering message %s: %w", d.ID, err)
	}

	w.opts.Metrics.MessageDeadLettered(reason)
	return nil
}
