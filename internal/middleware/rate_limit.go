package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:transfer:"

// TransferRateLimit caps transfer submissions per source wallet per minute,
// falling back to the client IP when the body names no wallet. It is a no-op
// without Redis and fails open on Redis errors.
func TransferRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			FromWalletID string `json:"from_wallet_id"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.FromWalletID)
		if subject == "" {
			subject = c.IP()
		}
		key := rateLimitPrefix + subject

		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			logger.Warn("rate limit lookup failed", slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many transfer requests for this wallet, try again later")
		}
		return c.Next()
	}
}
