// Package bootstrap wires configured infrastructure into the queue and store
// implementations shared by the api and worker binaries.
package bootstrap

import (
	"fmt"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue/kafkaqueue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue/pgqueue"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type QueueRole int

const (
	RolePublisher QueueRole = iota
	RoleConsumer
)

// NewQueue returns the fulfillment queue selected by cfg.Queue.Driver. pool
// is only used by the postgres driver and may be nil otherwise.
func NewQueue(cfg *config.Config, role QueueRole, pool *pgxpool.Pool, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case config.QueueDriverPostgres:
		if pool == nil {
			return nil, fmt.Errorf("queue driver %s requires a postgres pool", cfg.Queue.Driver)
		}

		return pgqueue.New(pool, pgqueue.Options{
			Name:              cfg.Queue.Name,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, logger), nil
	case config.QueueDriverKafka:
		opts := KafkaOptions(cfg)

		var (
			q   *kafkaqueue.Queue
			err error
		)
		if role == RolePublisher {
			q, err = kafkaqueue.NewPublisher(opts, logger)
		} else {
			q, err = kafkaqueue.New(opts, logger)
		}
		if err != nil {
			return nil, err
		}

		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func KafkaOptions(cfg *config.Config) kafkaqueue.Options {
	return kafkaqueue.Options{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Queue.Name,
		GroupID:           cfg.Kafka.GroupID,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}
}
