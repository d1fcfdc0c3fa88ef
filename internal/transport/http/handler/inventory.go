package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/intake"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/reservation"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/mylogger"
	"github.com/carsonjc04/Distributed-E-commerce-System/pkg/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const IdempotencyHitHeader = "X-Idempotency-Hit"

type InventoryService interface {
	Reserve(ctx context.Context, req intake.ReserveRequest) intake.Result
	Restock(ctx context.Context, productID string, count int64) (int64, error)
	GetStock(ctx context.Context, productID string) (int64, error)
}

type InventoryHandler struct {
	service  InventoryService
	validate *validator.Validate
	timeout  time.Duration
	logger   *zap.Logger
}

func NewInventoryHandler(service InventoryService, timeout time.Duration, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		service:  service,
		validate: utils.NewValidator(),
		timeout:  timeout,
		logger:   logger,
	}
}

type RestockInput struct {
	ProductID string `json:"productId" validate:"required,max=128"`
	Amount    *int64 `json:"amount" validate:"required,gte=0"`
}

type SetInventoryInput struct {
	ProductID string `json:"productId" validate:"required,max=128"`
	Count     *int64 `json:"count" validate:"required,gte=0"`
}

func (h *InventoryHandler) Hold(c *fiber.Ctx) error {
	var input intake.ReserveRequest

	if err := c.BodyParser(&input); err != nil {
		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"body parsing failed",
			zap.Error(err),
		)

		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	result := h.service.Reserve(c.UserContext(), input)

	if result.Replay {
		c.Set(IdempotencyHitHeader, "true")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(result.Status).Send(result.Body)
}

func (h *InventoryHandler) Restock(c *fiber.Ctx) error {
	input := new(RestockInput)

	if ok, err := h.parse(c, input); !ok {
		return err
	}

	return h.setInventory(c, input.ProductID, *input.Amount, "Restocked %s to %d")
}

func (h *InventoryHandler) SetInventory(c *fiber.Ctx) error {
	input := new(SetInventoryInput)

	if ok, err := h.parse(c, input); !ok {
		return err
	}

	return h.setInventory(c, input.ProductID, *input.Count, "Set inventory for %s to %d")
}

// parse decodes and validates the body. When it reports false the 400
// response has already been written.
func (h *InventoryHandler) parse(c *fiber.Ctx, input any) (bool, error) {
	if err := c.BodyParser(input); err != nil {
		mylogger.Warn(c.UserContext(), h.logger, "body parsing failed", zap.Error(err))

		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if err := h.validate.Struct(input); err != nil {
		fields := utils.FormatValidationError(err)
		mylogger.Warn(c.UserContext(), h.logger, "validation failed", zap.Any("fields", fields))

		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation failed",
			"details": fields,
		})
	}

	return true, nil
}

func (h *InventoryHandler) setInventory(c *fiber.Ctx, productID string, count int64, format string) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	if _, err := h.service.Restock(ctx, productID, count); err != nil {
		if errors.Is(err, reservation.ErrNegativeCount) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		mylogger.Error(
			ctx,
			h.logger,
			"restock failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": fmt.Sprintf(format, productID, count),
	})
}

func (h *InventoryHandler) GetInventory(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	productID := c.Params("productId")

	stock, err := h.service.GetStock(ctx, productID)
	if err != nil {
		mylogger.Error(
			ctx,
			h.logger,
			"get inventory failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal Server Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"productId": productID,
		"stock":     stock,
	})
}
