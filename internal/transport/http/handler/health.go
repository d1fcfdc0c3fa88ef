package handler

import "github.com/gofiber/fiber/v2"

func Health(service string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "ok",
			"service": service,
		})
	}
}
