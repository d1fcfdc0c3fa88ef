package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/broadcast"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/idempotency"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/intake"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/metrics"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/queue/memqueue"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation/memstore"
	transport "github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http/handler"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type RouterSuite struct {
	suite.Suite

	app      *fiber.App
	store    *memstore.Store
	queue    *memqueue.Queue
	notifier *broadcast.Recorder
}

func (s *RouterSuite) SetupTest() {
	logger := zap.NewNop()

	s.store = memstore.New(5 * time.Minute)
	s.queue = memqueue.New(30 * time.Second)
	s.notifier = &broadcast.Recorder{}

	service := intake.NewService(
		s.store,
		idempotency.NewMemoryCache(),
		s.queue,
		s.notifier,
		intake.Options{Timeout: time.Second},
		logger,
	)

	cfg := transport.AppConfig{
		ServiceName: "velocity-backend",
		Metrics:     metrics.New(),
	}

	s.app = transport.NewApp(cfg)
	transport.RegisterRoutes(s.app, &transport.Handlers{
		Inventory: handler.NewInventoryHandler(service, time.Second, logger),
	}, cfg)
}

func (s *RouterSuite) do(method, path string, body any) (*http.Response, map[string]any) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req, -1)
	s.Require().NoError(err)

	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Require().NoError(resp.Body.Close())

	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		s.Require().NoError(json.Unmarshal(raw, &decoded))
	}

	return resp, decoded
}

func (s *RouterSuite) hold(user, product, key string) (*http.Response, map[string]any) {
	return s.do(http.MethodPost, "/api/hold", map[string]string{
		"userId":         user,
		"productId":      product,
		"idempotencyKey": key,
	})
}

func (s *RouterSuite) TestHealth() {
	resp, body := s.do(http.MethodGet, "/health", nil)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
	s.Equal("velocity-backend", body["service"])
}

func (s *RouterSuite) TestHold_ReservedThenReplayed() {
	s.do(http.MethodPost, "/api/admin/inventory", map[string]any{"productId": "p1", "count": 1})

	resp, body := s.hold("A", "p1", "k1")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Reserved", body["message"])
	s.Empty(resp.Header.Get(handler.IdempotencyHitHeader))

	resp, body = s.hold("A", "p1", "k1")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Reserved", body["message"])
	s.Equal("true", resp.Header.Get(handler.IdempotencyHitHeader))

	resp, body = s.hold("B", "p1", "k2")
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("Sold Out", body["error"])

	s.Equal(1, s.queue.Len())
}

func (s *RouterSuite) TestHold_Invalid() {
	resp, body := s.hold("", "p1", "k1")

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("Missing userId, productId, or idempotencyKey", body["error"])

	req := httptest.NewRequest(http.MethodPost, "/api/hold", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")

	raw, err := s.app.Test(req, -1)
	s.Require().NoError(err)
	s.Equal(http.StatusBadRequest, raw.StatusCode)
}

func (s *RouterSuite) TestRestock() {
	resp, body := s.do(http.MethodPost, "/api/restock", map[string]any{"productId": "p1", "amount": 100})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Restocked p1 to 100", body["message"])

	resp, body = s.do(http.MethodGet, "/api/inventory/p1", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("p1", body["productId"])
	s.EqualValues(100, body["stock"])

	resp, _ = s.do(http.MethodPost, "/api/restock", map[string]any{"productId": "p1", "amount": 0})
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *RouterSuite) TestRestock_Rejected() {
	resp, _ := s.do(http.MethodPost, "/api/restock", map[string]any{"productId": "p1", "amount": -5})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/api/restock", map[string]any{"productId": "p1"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/api/admin/inventory", map[string]any{"count": 3})
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	s.Empty(s.notifier.Events())
}

func (s *RouterSuite) TestSetInventory() {
	resp, body := s.do(http.MethodPost, "/api/admin/inventory", map[string]any{"productId": "p9", "count": 7})

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Set inventory for p9 to 7", body["message"])

	stock, err := s.store.GetInventory(context.Background(), "p9")
	s.Require().NoError(err)
	s.EqualValues(7, stock)
}

func (s *RouterSuite) TestMetricsEndpoint() {
	s.do(http.MethodGet, "/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	s.Require().NoError(err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(raw), "velocity_http_request_duration_seconds")
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}
