// Package intake turns buyer purchase attempts into reservations. Every
// request ends in exactly one terminal outcome; definitive outcomes are
// recorded under the client's idempotency token so retries replay them.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/broadcast"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/idempotency"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/utils"
	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultTimeout        = 4 * time.Second

	invalidRequestMessage = "Missing userId, productId, or idempotencyKey"
)

var (
	reservedBody  = json.RawMessage(`{"message":"Reserved"}`)
	soldOutBody   = json.RawMessage(`{"error":"Sold Out"}`)
	transientBody = json.RawMessage(`{"error":"Internal Server Error"}`)
)

type Publisher interface {
	Publish(ctx context.Context, event domain.FulfillmentEvent) error
}

type Metrics interface {
	ReservationOutcome(outcome domain.Outcome, replay bool)
	ReservationReleased()
}

type nopMetrics struct{}

func (nopMetrics) ReservationOutcome(domain.Outcome, bool) {}
func (nopMetrics) ReservationReleased()                    {}

type ReserveRequest struct {
	BuyerID   string `json:"userId" validate:"required,max=128"`
	ProductID string `json:"productId" validate:"required,max=128"`
	Token     string `json:"idempotencyKey" validate:"required,max=256"`
}

type Result struct {
	Outcome domain.Outcome
	Status  int
	Body    json.RawMessage
	// Replay is set when the result was read back from the idempotency cache.
	Replay bool
}

type Options struct {
	IdempotencyTTL time.Duration
	// Timeout bounds the store and queue calls of one request. They run
	// detached from the caller's cancellation.
	Timeout time.Duration
	Metrics Metrics
}

type Service struct {
	store     reservation.Store
	cache     idempotency.Cache
	publisher Publisher
	notifier  broadcast.Notifier
	validate  *validator.Validate
	breaker   *gobreaker.CircuitBreaker
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewService(
	store reservation.Store,
	cache idempotency.Cache,
	publisher Publisher,
	notifier broadcast.Notifier,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if notifier == nil {
		notifier = broadcast.NopNotifier{}
	}

	return &Service{
		store:     store,
		cache:     cache,
		publisher: publisher,
		notifier:  notifier,
		validate:  utils.NewValidator(),
		breaker:   utils.NewBreaker("FulfillmentQueue", logger),
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("intake_service"),
	}
}

func (s *Service) Reserve(ctx context.Context, req ReserveRequest) Result {
	if err := s.validate.Struct(req); err != nil {
		mylogger.Warn(
			ctx,
			s.logger,
			"Invalid reserve request",
			zap.Any("fields", utils.FormatValidationError(err)),
		)

		return s.finish(invalidResult(err))
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	opCtx, span := s.tracer.Start(opCtx, "IntakeService.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("user_id", req.BuyerID),
		attribute.String("product_id", req.ProductID),
	)

	cached, err := s.cache.Lookup(opCtx, req.Token)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(opCtx, s.logger, "Idempotency lookup failed", zap.Error(err))

		return s.finish(transientResult())
	}

	if cached != nil {
		mylogger.Debug(opCtx, s.logger, "Idempotency hit", zap.String("outcome", string(cached.Outcome)))

		return s.finish(Result{
			Outcome: cached.Outcome,
			Status:  cached.Status,
			Body:    cached.Body,
			Replay:  true,
		})
	}

	reserved, err := s.store.TryReserve(opCtx, req.BuyerID, req.ProductID)
	if err != nil {
		span.RecordError(err)
		mylogger.Error(
			opCtx,
			s.logger,
			"Reservation failed",
			zap.String("product_id", req.ProductID),
			zap.Error(err),
		)

		return s.finish(transientResult())
	}

	if !reserved {
		result := Result{Outcome: domain.OutcomeSoldOut, Status: http.StatusConflict, Body: soldOutBody}
		s.remember(opCtx, req.Token, result)

		return s.finish(result)
	}

	if err := s.handOff(opCtx, req); err != nil {
		span.RecordError(err)
		return s.finish(transientResult())
	}

	result := Result{Outcome: domain.OutcomeReserved, Status: http.StatusOK, Body: reservedBody}
	s.remember(opCtx, req.Token, result)
	s.announce(opCtx, req.ProductID)

	return s.finish(result)
}

// handOff publishes the fulfillment event for a granted reservation. The unit
// is given back only when the failure proves the event never reached the
// queue. Any other failure may have enqueued it, so the hold is left to expire
// and the unit stays out of stock.
func (s *Service) handOff(ctx context.Context, req ReserveRequest) error {
	event := domain.FulfillmentEvent{BuyerID: req.BuyerID, ProductID: req.ProductID}

	err := utils.RunWithBreaker(s.breaker, func() error {
		return s.publisher.Publish(ctx, event)
	})
	if err == nil {
		return nil
	}

	if !notPublished(err) {
		mylogger.Error(
			ctx,
			s.logger,
			"Fulfillment event publish outcome unknown, keeping unit held",
			zap.String("user_id", req.BuyerID),
			zap.String("product_id", req.ProductID),
			zap.Error(err),
		)

		return fmt.Errorf("error publishing fulfillment event: %w", err)
	}

	mylogger.Warn(
		ctx,
		s.logger,
		"Fulfillment event not published, releasing unit",
		zap.String("user_id", req.BuyerID),
		zap.String("product_id", req.ProductID),
		zap.Error(err),
	)

	if relErr := s.store.Release(ctx, req.BuyerID, req.ProductID); relErr != nil {
		mylogger.Error(
			ctx,
			s.logger,
			"Failed to release reservation after publish failure",
			zap.String("user_id", req.BuyerID),
			zap.String("product_id", req.ProductID),
			zap.Error(relErr),
		)
	} else {
		s.opts.Metrics.ReservationReleased()
	}

	return fmt.Errorf("error publishing fulfillment event: %w", err)
}

// notPublished reports whether err guarantees the publish call sent nothing.
func notPublished(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, queue.ErrNotPublished)
}

// remember stores a definitive result. A failed write does not change the
// answer already decided for this request.
func (s *Service) remember(ctx context.Context, token string, result Result) {
	rec := idempotency.Record{Outcome: result.Outcome, Status: result.Status, Body: result.Body}

	err := s.cache.Store(ctx, token, rec, s.opts.IdempotencyTTL)
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrRecordExists):
		mylogger.Warn(
			ctx,
			s.logger,
			"Concurrent request with the same idempotency token already recorded an outcome",
			zap.String("outcome", string(result.Outcome)),
		)
	default:
		mylogger.Error(ctx, s.logger, "Failed to store idempotency record", zap.Error(err))
	}
}

func (s *Service) announce(ctx context.Context, productID string) {
	count, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		mylogger.Warn(ctx, s.logger, "Failed to read inventory for broadcast", zap.Error(err))
		return
	}

	s.notifier.InventoryChanged(ctx, productID, count)
}

func (s *Service) finish(result Result) Result {
	s.opts.Metrics.ReservationOutcome(result.Outcome, result.Replay)
	return result
}

// Restock overwrites the product counter and returns the count read back
// after the write.
func (s *Service) Restock(ctx context.Context, productID string, count int64) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "IntakeService.Restock")
	defer span.End()

	span.SetAttributes(
		attribute.String("product_id", productID),
		attribute.Int64("count", count),
	)

	if productID == "" {
		return 0, ErrMissingProduct
	}

	if err := s.store.SetInventory(ctx, productID, count); err != nil {
		span.RecordError(err)
		return 0, err
	}

	current, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		mylogger.Warn(ctx, s.logger, "Failed to read inventory after restock", zap.Error(err))
		current = count
	}

	s.notifier.InventoryChanged(ctx, productID, current)

	mylogger.Info(
		ctx,
		s.logger,
		"Inventory restocked",
		zap.String("product_id", productID),
		zap.Int64("count", count),
	)

	return current, nil
}

func (s *Service) GetStock(ctx context.Context, productID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "IntakeService.GetStock")
	defer span.End()

	if productID == "" {
		return 0, ErrMissingProduct
	}

	count, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	return count, nil
}

func invalidResult(err error) Result {
	body, _ := json.Marshal(map[string]any{
		"error":   invalidRequestMessage,
		"details": utils.FormatValidationError(err),
	})

	return Result{Outcome: domain.OutcomeInvalid, Status: http.StatusBadRequest, Body: body}
}

func transientResult() Result {
	return Result{Outcome: domain.OutcomeTransientError, Status: http.StatusInternalServerError, Body: transientBody}
}
