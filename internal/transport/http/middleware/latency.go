package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
)

type LatencyObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// NewLatencyMiddleware records each request under its route pattern rather
// than the raw path, so product ids do not become label values.
func NewLatencyMiddleware(observer LatencyObserver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		observer.ObserveRequest(c.Method(), c.Route().Path, status, time.Since(start))

		return err
	}
}
