package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/broadcast"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/idempotency"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/intake"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue/memqueue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation/memstore"
	transport "github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http/handler"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T) (*Client, *memqueue.Queue) {
	t.Helper()

	logger := zap.NewNop()
	q := memqueue.New(30 * time.Second)

	service := intake.NewService(
		memstore.New(5*time.Minute),
		idempotency.NewMemoryCache(),
		q,
		broadcast.NopNotifier{},
		intake.Options{Timeout: time.Second},
		logger,
	)

	cfg := transport.AppConfig{ServiceName: "velocity-backend"}
	app := transport.NewApp(cfg)
	transport.RegisterRoutes(app, &transport.Handlers{
		Inventory: handler.NewInventoryHandler(service, time.Second, logger),
	}, cfg)

	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, 5*time.Second), q
}

func TestRunStress_NoOversell(t *testing.T) {
	client, q := newServer(t)

	report, err := RunStress(context.Background(), client, "item-123", 20, 100, 25)
	require.NoError(t, err)

	assert.Equal(t, 20, report.Reserved)
	assert.Equal(t, 80, report.SoldOut)
	assert.Zero(t, report.Other)
	assert.Zero(t, report.Errors)
	assert.False(t, report.Oversold(20))
	assert.Equal(t, 20, q.Len())
}

func TestRunIdempotency(t *testing.T) {
	client, q := newServer(t)

	report, err := RunIdempotency(context.Background(), client, "item-idempotency")
	require.NoError(t, err)

	assert.True(t, report.OK(), "%+v", report)
	assert.Equal(t, 1, q.Len())
}
