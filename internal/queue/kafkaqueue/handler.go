package kafkaqueue

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type settlement struct {
	deadLettered bool
}

type inflight struct {
	msg     *sarama.ConsumerMessage
	receipt string
	settled chan settlement
}

type claimHandler struct {
	q *Queue
}

func (h *claimHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if !h.hold(session, msg) {
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// hold hands msg to receivers until one of them settles it, re-offering it
// each time the visibility timeout passes. It reports false when the session
// ended first; the offset is then left uncommitted for the next owner.
func (h *claimHandler) hold(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	ctx := session.Context()

	for attempts := 1; ; attempts++ {
		f := &inflight{
			msg:     msg,
			receipt: uuid.NewString(),
			settled: make(chan settlement, 1),
		}
		h.q.register(f)

		d := &queue.Delivery{
			ID:         fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Receipt:    f.receipt,
			Body:       msg.Value,
			Attempts:   attempts,
			EnqueuedAt: msg.Timestamp,
		}

		select {
		case h.q.deliveries <- d:
		case <-ctx.Done():
			h.q.take(f.receipt)
			return false
		}

		timer := time.NewTimer(h.q.opts.VisibilityTimeout)

		select {
		case s := <-f.settled:
			timer.Stop()
			h.commit(session, msg, s)
			return true
		case <-ctx.Done():
			timer.Stop()
			if h.q.take(f.receipt) == nil {
				h.commit(session, msg, <-f.settled)
				return true
			}
			return false
		case <-timer.C:
			if h.q.take(f.receipt) == nil {
				h.commit(session, msg, <-f.settled)
				return true
			}

			mylogger.Warn(
				ctx,
				h.q.logger,
				"Visibility timeout elapsed, redelivering message",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempts", attempts),
			)
		}
	}
}

func (h *claimHandler) commit(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, s settlement) {
	session.MarkMessage(msg, "")

	mylogger.Debug(
		session.Context(),
		h.q.logger,
		"Message settled",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Bool("dead_lettered", s.deadLettered),
	)
}
