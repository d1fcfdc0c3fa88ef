package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/broadcast"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	inventoryEvent    = "inventory_update"
	keepAliveInterval = 15 * time.Second
)

type StreamHandler struct {
	subscriber broadcast.Subscriber
	logger     *zap.Logger
}

func NewStreamHandler(subscriber broadcast.Subscriber, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		subscriber: subscriber,
		logger:     logger,
	}
}

// Inventory streams inventory updates as server-sent events until the client
// goes away.
func (h *StreamHandler) Inventory(c *fiber.Ctx) error {
	ctx, cancel := context.WithCancel(context.Background())

	events, err := h.subscriber.Subscribe(ctx)
	if err != nil {
		cancel()
		mylogger.Error(c.UserContext(), h.logger, "inventory subscription failed", zap.Error(err))

		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "live updates unavailable",
		})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		if err := WriteEvents(w, events, ticker.C); err != nil {
			mylogger.Debug(ctx, h.logger, "inventory stream closed", zap.Error(err))
		}
	})

	return nil
}

// WriteEvents copies events to w in SSE framing, sending a comment line on
// every keepAlive tick. It returns when events is closed or a write fails.
func WriteEvents(w *bufio.Writer, events <-chan domain.InventoryChangedEvent, keepAlive <-chan time.Time) error {
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}

			data, err := json.Marshal(event)
			if err != nil {
				return err
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", inventoryEvent, data); err != nil {
				return err
			}
		case <-keepAlive:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
		}

		if err := w.Flush(); err != nil {
			return err
		}
	}
}
