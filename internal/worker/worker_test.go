package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue/memqueue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const visibility = 30 * time.Second

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type flakyRepo struct {
	*repository.MemoryOrderRepository
	failures atomic.Int32
}

func (r *flakyRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		return errors.New("connection refused")
	}

	return r.MemoryOrderRepository.CreateOrder(ctx, order)
}

// crashingQueue drops the next Ack, as if the process died between persisting
// the order and acknowledging the message.
type crashingQueue struct {
	*memqueue.Queue
	crashNextAck atomic.Bool
}

func (q *crashingQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	if q.crashNextAck.CompareAndSwap(true, false) {
		return errors.New("process crashed")
	}

	return q.Queue.Ack(ctx, d)
}

type countingMetrics struct {
	confirmed atomic.Int32
	dead      sync.Map
}

func (m *countingMetrics) OrderConfirmed() { m.confirmed.Add(1) }

func (m *countingMetrics) MessageDeadLettered(reason string) {
	m.dead.Store(reason, true)
}

type fixture struct {
	clock   *clock
	queue   *crashingQueue
	repo    *flakyRepo
	metrics *countingMetrics
	worker  *ConfirmationWorker
}

func newFixture(maxReceives int) *fixture {
	c := &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := &crashingQueue{Queue: memqueue.New(visibility).WithClock(c.Now)}
	repo := &flakyRepo{MemoryOrderRepository: repository.NewMemoryOrderRepository()}
	metrics := &countingMetrics{}

	w := NewConfirmationWorker(q, repo, Options{
		WaitTime:     50 * time.Millisecond,
		MaxReceives:  maxReceives,
		ErrorBackoff: 10 * time.Millisecond,
		Metrics:      metrics,
	}, zap.NewNop())
	w.now = c.Now

	return &fixture{clock: c, queue: q, repo: repo, metrics: metrics, worker: w}
}

func (f *fixture) publish(t *testing.T, buyer, product string) {
	t.Helper()
	require.NoError(t, f.queue.Publish(context.Background(), domain.FulfillmentEvent{BuyerID: buyer, ProductID: product}))
}

func TestHandle_PersistsThenAcks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(5)
	f.publish(t, "u1", "p1")

	require.NoError(t, f.worker.processNext(ctx))

	orders, err := f.repo.ListByProduct(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "u1", orders[0].BuyerID)
	assert.Equal(t, domain.OrderStatusConfirmed, orders[0].Status)
	assert.NotEmpty(t, orders[0].OrderID)
	assert.Equal(t, f.clock.Now(), orders[0].CreatedAt)

	assert.Equal(t, 0, f.queue.Len())
	assert.EqualValues(t, 1, f.metrics.confirmed.Load())
}

func TestHandle_EmptyReceiveIsNotAnError(t *testing.T) {
	f := newFixture(5)

	require.NoError(t, f.worker.processNext(context.Background()))
	assert.Equal(t, 0, f.repo.Len())
}

func TestHandle_PersistenceFailureLeavesMessageForRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(5)
	f.repo.failures.Store(1)
	f.publish(t, "u1", "p1")

	require.Error(t, f.worker.processNext(ctx))
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 0, f.repo.Len())

	require.NoError(t, f.worker.processNext(ctx))
	assert.Equal(t, 0, f.repo.Len(), "message must stay invisible until the timeout")

	f.clock.Advance(visibility)

	require.NoError(t, f.worker.processNext(ctx))
	assert.Equal(t, 1, f.repo.Len())
	assert.Equal(t, 0, f.queue.Len())
}

// A crash between persisting and acknowledging produces a second order for
// the same event once the message is redelivered. Consumers of the orders
// table must tolerate this duplicate.
func TestHandle_CrashBeforeAckRedeliversAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(5)
	f.queue.crashNextAck.Store(true)
	f.publish(t, "u1", "p1")

	require.Error(t, f.worker.processNext(ctx))
	assert.Equal(t, 1, f.repo.Len())
	assert.Equal(t, 1, f.queue.Len())

	f.clock.Advance(visibility)

	require.NoError(t, f.worker.processNext(ctx))

	orders, err := f.repo.ListByProduct(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.NotEqual(t, orders[0].OrderID, orders[1].OrderID)
	assert.Equal(t, 0, f.queue.Len())
}

func TestHandle_UnparseableIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(5)
	require.NoError(t, f.queue.PublishRaw(ctx, []byte(`{"userId":""}`)))

	require.NoError(t, f.worker.processNext(ctx))

	assert.Equal(t, 0, f.repo.Len())
	assert.Equal(t, 0, f.queue.Len())

	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonUnparseable, dead[0].Reason)

	_, ok := f.metrics.dead.Load(ReasonUnparseable)
	assert.True(t, ok)
}

func TestHandle_MaxReceivesExceededIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(2)
	f.repo.failures.Store(100)
	f.publish(t, "u1", "p1")

	for i := 0; i < 2; i++ {
		require.Error(t, f.worker.processNext(ctx))
		f.clock.Advance(visibility)
	}

	require.NoError(t, f.worker.processNext(ctx))

	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonMaxReceives, dead[0].Reason)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRun_DrainsQueueAndStopsOnCancel(t *testing.T) {
	f := newFixture(5)
	for i := 0; i < 10; i++ {
		f.publish(t, "u1", "p1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.repo.Len() == 10 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_RecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(5)
	f.worker.opts.WaitTime = 10 * time.Millisecond
	f.repo.failures.Store(1)
	f.publish(t, "u1", "p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.repo.failures.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.repo.Len())
	f.clock.Advance(visibility)
	require.Eventually(t, func() bool { return f.repo.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewBackOff_ZeroErrorBackoffStillWaits(t *testing.T) {
	w := NewConfirmationWorker(memqueue.New(time.Second), repository.NewMemoryOrderRepository(), Options{
		WaitTime:    time.Millisecond,
		MaxReceives: 3,
	}, zap.NewNop())

	b := w.newBackOff()
	for i := 0; i < 5; i++ {
		wait := b.NextBackOff()
		require.Positive(t, wait)
		require.LessOrEqual(t, wait, defaultErrorBackoff*3/2)
	}
}

func TestRun_SchemaFailureStopsStartup(t *testing.T) {
	f := newFixture(5)
	f.worker.opts.EnsureSchema = func(context.Context) error { return errors.New("db down") }

	err := f.worker.Run(context.Background())
	require.Error(t, err)
}
