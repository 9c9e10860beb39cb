package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/judgedispatch/internal/utils"
)

// RateLimit creates a per-user rate limiter middleware instance.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	return RateLimitBy(identifier, max, window, func(c *fiber.Ctx) string {
		userID := fmt.Sprintf("%v", c.Locals("user_id"))
		if userID == "" || userID == "0" || userID == "<nil>" {
			userID = c.IP()
		}
		return userID
	})
}

// RateLimitBy limits requests per key. Rejected requests get the usual error envelope.
func RateLimitBy(identifier string, max int, window time.Duration, key func(c *fiber.Ctx) string) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("%s:%s", identifier, key(c))
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests")
		},
	})
}
