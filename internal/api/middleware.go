package api

import (
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/internal/rate"
)

// RateLimit throttles by client IP. A nil manager disables limiting.
func RateLimit(mgr *rate.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if mgr == nil {
			return c.Next()
		}
		lim := mgr.GetLimiter(c.IP())
		if lim.Allow() {
			return c.Next()
		}
		metrics.IncError("api", "rate_limited")
		secs := int(math.Ceil(lim.RetryAfter().Seconds()))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(secs, 1)))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	}
}
