// Package kafkaqueue implements queue.Queue on a Kafka topic consumed by a
// consumer group. Each claimed partition hands out one message at a time and
// commits its offset only after the message is acknowledged or dead-lettered.
// A message left unsettled past the visibility timeout is handed out again.
package kafkaqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const reasonHeader = "dead-letter-reason"

type Options struct {
	Brokers           []string
	Topic             string
	GroupID           string
	Partitions        int32
	ReplicationFactor int16
	VisibilityTimeout time.Duration
}

func (o Options) DeadLetterTopic() string {
	return o.Topic + ".dlq"
}

type Queue struct {
	opts     Options
	config   *sarama.Config
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	logger   *zap.Logger
	tracer   trace.Tracer

	deliveries chan *queue.Delivery

	mu       sync.Mutex
	inflight map[string]*inflight

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	runCtx    context.Context
	done      chan struct{}
}

func NewConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.BalanceStrategyRoundRobin}

	return config
}

func New(opts Options, logger *zap.Logger) (*Queue, error) {
	config := NewConfig()

	producer, err := sarama.NewSyncProducer(opts.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}

	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, config)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("error creating consumer group: %w", err)
	}

	return NewWithClients(opts, config, producer, group, logger), nil
}

// NewPublisher builds a Queue that can only publish. Receive on it fails.
func NewPublisher(opts Options, logger *zap.Logger) (*Queue, error) {
	config := NewConfig()

	producer, err := sarama.NewSyncProducer(opts.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}

	return NewWithClients(opts, config, producer, nil, logger), nil
}

// NewWithClients builds a Queue on already constructed sarama clients. group
// may be nil for a publish-only queue.
func NewWithClients(
	opts Options,
	config *sarama.Config,
	producer sarama.SyncProducer,
	group sarama.ConsumerGroup,
	logger *zap.Logger,
) *Queue {
	runCtx, cancel := context.WithCancel(context.Background())

	return &Queue{
		opts:       opts,
		config:     config,
		producer:   producer,
		group:      group,
		logger:     logger,
		tracer:     otel.Tracer("queue/kafkaqueue"),
		deliveries: make(chan *queue.Delivery),
		inflight:   make(map[string]*inflight),
		runCtx:     runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (q *Queue) Ensure(ctx context.Context) error {
	ctx, span := q.tracer.Start(ctx, "KafkaQueue.Ensure")
	defer span.End()

	admin, err := sarama.NewClusterAdmin(q.opts.Brokers, q.config)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error creating cluster admin: %w", err)
	}
	defer admin.Close()

	return ensureTopics(ctx, admin, q.logger, q.opts, q.opts.Topic, q.opts.DeadLetterTopic())
}

func ensureTopics(ctx context.Context, admin sarama.ClusterAdmin, logger *zap.Logger, opts Options, topics ...string) error {
	metadata, err := admin.DescribeTopics(topics)
	if err != nil {
		return fmt.Errorf("error describing topics: %w", err)
	}

	for _, md := range metadata {
		if !errors.Is(md.Err, sarama.ErrUnknownTopicOrPartition) {
			if md.Err != sarama.ErrNoError {
				return fmt.Errorf("error describing topic %s: %w", md.Name, md.Err)
			}

			continue
		}

		mylogger.Info(ctx, logger, "Topic not found, creating", zap.String("topic", md.Name))

		detail := &sarama.TopicDetail{
			NumPartitions:     opts.Partitions,
			ReplicationFactor: opts.ReplicationFactor,
		}
		if err := admin.CreateTopic(md.Name, detail, false); err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return fmt.Errorf("error creating topic %s: %w", md.Name, err)
		}
	}

	return nil
}

func (q *Queue) Publish(ctx context.Context, event domain.FulfillmentEvent) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrNotPublished, err)
	}

	return q.send(ctx, q.opts.Topic, event.ProductID, body, nil)
}

func (q *Queue) send(ctx context.Context, topic, key string, body []byte, extra []sarama.RecordHeader) error {
	ctx, span := q.tracer.Start(ctx, "KafkaQueue.Send", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := extra
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("error sending message: %w", err)
	}

	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.Int64("messaging.kafka.partition", int64(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)

	mylogger.Debug(
		ctx,
		q.logger,
		"Message sent",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}

func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	if q.group == nil {
		return nil, errors.New("queue has no consumer group")
	}

	q.startOnce.Do(func() { go q.consume() })

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-q.deliveries:
		return d, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.runCtx.Done():
		return nil, queue.ErrClosed
	}
}

func (q *Queue) consume() {
	defer close(q.done)

	go func() {
		for err := range q.group.Errors() {
			mylogger.Error(q.runCtx, q.logger, "Consumer group error", zap.Error(err))
		}
	}()

	handler := &claimHandler{q: q}
	for {
		err := q.group.Consume(q.runCtx, []string{q.opts.Topic}, handler)
		if err != nil {
			mylogger.Error(q.runCtx, q.logger, "Error consuming in consumer loop", zap.Error(err))
		}

		if q.runCtx.Err() != nil {
			mylogger.Info(q.runCtx, q.logger, "Context cancelled, shutting down consumer")
			return
		}
	}
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	f := q.take(d.Receipt)
	if f == nil {
		return queue.ErrStaleReceipt
	}

	f.settled <- settlement{}
	return nil
}

// DeadLetter copies the message to the dead-letter topic before releasing its
// offset, so a failed copy leaves the original to be redelivered.
func (q *Queue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	q.mu.Lock()
	f, ok := q.inflight[d.Receipt]
	q.mu.Unlock()
	if !ok {
		return queue.ErrStaleReceipt
	}

	headers := []sarama.RecordHeader{{Key: []byte(reasonHeader), Value: []byte(reason)}}
	if err := q.send(ctx, q.opts.DeadLetterTopic(), string(f.msg.Key), f.msg.Value, headers); err != nil {
		return err
	}

	if q.take(d.Receipt) == nil {
		return queue.ErrStaleReceipt
	}

	f.settled <- settlement{deadLettered: true}
	return nil
}

func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()

		if q.group != nil {
			err = q.group.Close()
			q.startOnce.Do(func() { close(q.done) })
			<-q.done
		}

		if pErr := q.producer.Close(); pErr != nil && err == nil {
			err = pErr
		}
	})

	return err
}

func (q *Queue) register(f *inflight) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight[f.receipt] = f
}

// take removes and returns the in-flight entry for receipt, or nil when it
// was already settled or expired.
func (q *Queue) take(receipt string) *inflight {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[receipt]
	if !ok {
		return nil
	}

	delete(q.inflight, receipt)
	return f
}
