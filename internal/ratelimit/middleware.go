package ratelimit

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Middleware creates a new rate limit middleware. Store failures let the
// request through.
func Middleware(limiter Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		result, err := limiter.Allow(c.UserContext(), c.IP())
		if err != nil {
			log.Warn().Err(err).Str("ip", c.IP()).Msg("Rate limit check failed, allowing request")
			return c.Next()
		}

		// Add rate limit headers
		for header, value := range result.LimitHeaders {
			c.Set(header, value)
		}

		if result.Limited {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"ok":    false,
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}
