package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type RedisCache struct {
	rdb    redis.UniversalClient
	tracer trace.Tracer
}

func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		tracer: otel.Tracer("idempotency/redis_cache"),
	}
}

func (c *RedisCache) Lookup(ctx context.Context, token string) (*Record, error) {
	ctx, span := c.tracer.Start(ctx, "IdempotencyCache.Lookup")
	defer span.End()

	val, err := c.rdb.Get(ctx, Key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		span.RecordError(err)
		return nil, fmt.Errorf("error reading idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error decoding idempotency record: %w", err)
	}

	return &rec, nil
}

func (c *RedisCache) Store(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "IdempotencyCache.Store")
	defer span.End()

	data, err := encode(rec)
	if err != nil {
		return err
	}

	stored, err := c.rdb.SetNX(ctx, Key(token), data, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error writing idempotency record: %w", err)
	}

	if !stored {
		return ErrRecordExists
	}

	return nil
}
