package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Redis runs a script to completion before serving any other command, so the
// read, the decrement and the hold write below cannot interleave with another
// caller touching the same counter.
var reserveScript = redis.NewScript(`
local inventoryKey = KEYS[1]
local holdKey = KEYS[2]
local ttl = tonumber(ARGV[1])
local holdValue = ARGV[2]

local stock = tonumber(redis.call('get', inventoryKey) or '0')

if stock > 0 then
  redis.call('decr', inventoryKey)
  redis.call('set', holdKey, holdValue, 'EX', ttl)
  return 1
end

return 0
`)

var releaseScript = redis.NewScript(`
local inventoryKey = KEYS[1]
local holdKey = KEYS[2]

if redis.call('del', holdKey) == 1 then
  return redis.call('incr', inventoryKey)
end

return -1
`)

type store struct {
	rdb     redis.UniversalClient
	holdTTL time.Duration
	tracer  trace.Tracer
	logger  *zap.Logger
}

func New(rdb redis.UniversalClient, holdTTL time.Duration, logger *zap.Logger) reservation.Store {
	return &store{
		rdb:     rdb,
		holdTTL: holdTTL,
		tracer:  otel.Tracer("reservation/redis_store"),
		logger:  logger,
	}
}

func (s *store) TryReserve(ctx context.Context, buyerID, productID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationStore.TryReserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("buyer_id", buyerID),
		attribute.String("product_id", productID),
	)

	ttlSeconds := int64(s.holdTTL / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	res, err := reserveScript.Run(
		ctx,
		s.rdb,
		[]string{reservation.InventoryKey(productID), reservation.HoldKey(buyerID, productID)},
		ttlSeconds,
		reservation.HoldValue,
	).Int()
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			s.logger,
			"Reserve script failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)

		return false, fmt.Errorf("error running reserve script for product %s: %w", productID, err)
	}

	span.SetAttributes(attribute.Bool("reserved", res == 1))

	return res == 1, nil
}

func (s *store) Release(ctx context.Context, buyerID, productID string) error {
	ctx, span := s.tracer.Start(ctx, "ReservationStore.Release")
	defer span.End()

	span.SetAttributes(
		attribute.String("buyer_id", buyerID),
		attribute.String("product_id", productID),
	)

	res, err := releaseScript.Run(
		ctx,
		s.rdb,
		[]string{reservation.InventoryKey(productID), reservation.HoldKey(buyerID, productID)},
	).Int64()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error running release script for product %s: %w", productID, err)
	}

	if res < 0 {
		return reservation.ErrHoldNotFound
	}

	return nil
}

func (s *store) SetInventory(ctx context.Context, productID string, count int64) error {
	ctx, span := s.tracer.Start(ctx, "ReservationStore.SetInventory")
	defer span.End()

	span.SetAttributes(
		attribute.String("product_id", productID),
		attribute.Int64("count", count),
	)

	if count < 0 {
		return reservation.ErrNegativeCount
	}

	if err := s.rdb.Set(ctx, reservation.InventoryKey(productID), count, 0).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("error setting inventory for product %s: %w", productID, err)
	}

	return nil
}

func (s *store) GetInventory(ctx context.Context, productID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationStore.GetInventory")
	defer span.End()

	span.SetAttributes(attribute.String("product_id", productID))

	val, err := s.rdb.Get(ctx, reservation.InventoryKey(productID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		span.RecordError(err)
		return 0, fmt.Errorf("error reading inventory for product %s: %w", productID, err)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("corrupt inventory value for product %s: %w", productID, err)
	}

	return count, nil
}
