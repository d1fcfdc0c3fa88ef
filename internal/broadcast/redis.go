package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisBroadcaster struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisBroadcaster(rdb redis.UniversalClient, channel string, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
	}
}

func (b *RedisBroadcaster) InventoryChanged(ctx context.Context, productID string, count int64) {
	payload, err := json.Marshal(domain.InventoryChangedEvent{ProductID: productID, Stock: count})
	if err != nil {
		mylogger.Warn(ctx, b.logger, "Failed to encode inventory update", zap.Error(err))
		return
	}

	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		mylogger.Warn(
			ctx,
			b.logger,
			"Failed to publish inventory update",
			zap.String("product_id", productID),
			zap.Int64("stock", count),
			zap.Error(err),
		)
	}
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan domain.InventoryChangedEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)

	// Wait for the subscription confirmation so no publish is missed between
	// returning and the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", b.channel, err)
	}

	out := make(chan domain.InventoryChangedEvent, 16)

	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				var event domain.InventoryChangedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					mylogger.Warn(ctx, b.logger, "Skipping malformed inventory update", zap.Error(err))
					continue
				}

				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
