package http

import (
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/metrics"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http/handler"
	"github.com/carsonjc04/Distributed-E-commerce-System/internal/transport/http/middleware"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Inventory *handler.InventoryHandler
	Stream    *handler.StreamHandler
}

type AppConfig struct {
	ServiceName     string
	LimiterMax      int
	LimiterDuration time.Duration
	Metrics         *metrics.Metrics
}

func NewApp(cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: cfg.ServiceName,
	})

	app.Use(otelfiber.Middleware())

	if cfg.Metrics != nil {
		app.Use(middleware.NewLatencyMiddleware(cfg.Metrics))
	}

	if cfg.LimiterMax > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.LimiterMax,
			Expiration: cfg.LimiterDuration,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			Next: func(c *fiber.Ctx) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "Too many requests. Try again later.",
				})
			},
		}))
	}

	return app
}

func RegisterRoutes(app *fiber.App, h *Handlers, cfg AppConfig) {
	app.Get("/health", handler.Health(cfg.ServiceName))

	if cfg.Metrics != nil {
		reg := cfg.Metrics.Registry()
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry: reg,
		})))
	}

	api := app.Group("/api")

	api.Post("/hold", h.Inventory.Hold)
	api.Post("/restock", h.Inventory.Restock)
	api.Post("/admin/inventory", h.Inventory.SetInventory)

	inventory := api.Group("/inventory")
	if h.Stream != nil {
		inventory.Get("/stream", h.Stream.Inventory)
	}
	inventory.Get("/:productId", h.Inventory.GetInventory)
}
