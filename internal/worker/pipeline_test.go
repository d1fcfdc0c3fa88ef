package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/broadcast"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/idempotency"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/intake"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue/pgqueue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/repository"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation/redisstore"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/worker"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/testsuite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

// PipelineSuite drives reservations through redis and the postgres queue into
// confirmed orders.
type PipelineSuite struct {
	testsuite.BaseSuite

	service *intake.Service
	queue   *pgqueue.Queue
	repo    repository.OrderRepository
	worker  *worker.ConfirmationWorker
}

func (s *PipelineSuite) SetupSuite() {
	s.BaseSuite.SetupInfrastructure(testsuite.Infrastructure{
		Postgres:       true,
		Redis:          true,
		MigrationsPath: "../../migrations",
	})

	logger := zap.NewNop()

	s.queue = pgqueue.New(s.DbPool, pgqueue.Options{
		Name:              "orders-queue",
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      20 * time.Millisecond,
	}, logger)
	s.Require().NoError(s.queue.Ensure(s.Ctx))

	s.repo = repository.NewOrderRepository(s.DbPool, logger)

	s.service = intake.NewService(
		redisstore.New(s.Redis, 5*time.Minute, logger),
		idempotency.NewRedisCache(s.Redis),
		s.queue,
		broadcast.NewRedisBroadcaster(s.Redis, "inventory_updates", logger),
		intake.Options{},
		logger,
	)

	s.worker = worker.NewConfirmationWorker(s.queue, s.repo, worker.Options{
		WaitTime:     200 * time.Millisecond,
		MaxReceives:  5,
		ErrorBackoff: 100 * time.Millisecond,
		EnsureSchema: func(ctx context.Context) error {
			return repository.EnsureSchema(ctx, s.DatabaseURL, logger)
		},
	}, logger)
}

func (s *PipelineSuite) TearDownSuite() {
	s.BaseSuite.TearDownInfrastructure()
}

func (s *PipelineSuite) SetupTest() {
	s.FlushRedis()
	s.TruncateTable("orders")
	s.TruncateTable("fulfillment_queue")
}

func (s *PipelineSuite) runWorker() {
	ctx, cancel := context.WithCancel(s.Ctx)
	done := make(chan error, 1)

	go func() { done <- s.worker.Run(ctx) }()

	t := s.T()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func (s *PipelineSuite) TestFlashSale_SellsExactlyTheStock() {
	const (
		stock  = 10
		buyers = 40
	)

	_, err := s.service.Restock(s.Ctx, "item-123", stock)
	s.Require().NoError(err)

	var (
		mu       sync.Mutex
		outcomes = make(map[domain.Outcome]int)
		wg       sync.WaitGroup
	)

	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			res := s.service.Reserve(s.Ctx, intake.ReserveRequest{
				BuyerID:   fmt.Sprintf("buyer-%d", i),
				ProductID: "item-123",
				Token:     fmt.Sprintf("token-%d", i),
			})

			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	s.Equal(stock, outcomes[domain.OutcomeReserved])
	s.Equal(buyers-stock, outcomes[domain.OutcomeSoldOut])

	left, err := s.service.GetStock(s.Ctx, "item-123")
	s.Require().NoError(err)
	s.Equal(int64(0), left)

	s.runWorker()

	s.Eventually(func() bool {
		orders, err := s.repo.ListByProduct(s.Ctx, "item-123")
		return err == nil && len(orders) == stock
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *PipelineSuite) TestReplay_DoesNotCreateSecondOrder() {
	_, err := s.service.Restock(s.Ctx, "item-456", 5)
	s.Require().NoError(err)

	req := intake.ReserveRequest{BuyerID: "u1", ProductID: "item-456", Token: "same-token"}

	first := s.service.Reserve(s.Ctx, req)
	s.Equal(domain.OutcomeReserved, first.Outcome)
	s.False(first.Replay)

	second := s.service.Reserve(s.Ctx, req)
	s.Equal(domain.OutcomeReserved, second.Outcome)
	s.True(second.Replay)
	s.JSONEq(string(first.Body), string(second.Body))

	left, err := s.service.GetStock(s.Ctx, "item-456")
	s.Require().NoError(err)
	s.Equal(int64(4), left)

	s.runWorker()

	s.Eventually(func() bool {
		orders, err := s.repo.ListByProduct(s.Ctx, "item-456")
		return err == nil && len(orders) == 1
	}, 10*time.Second, 100*time.Millisecond)

	s.Never(func() bool {
		orders, err := s.repo.ListByProduct(s.Ctx, "item-456")
		return err != nil || len(orders) > 1
	}, time.Second, 100*time.Millisecond)
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}
