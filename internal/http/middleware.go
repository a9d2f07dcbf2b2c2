package http

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"morada/internal/config"
)

// apiKeyMiddleware validates the X-API-Key header against the
// configured key in constant time. An empty configured key disables
// authentication, which is only sensible for local development.
func apiKeyMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Auth.APIKey == "" {
			return c.Next()
		}

		key := c.Get("X-API-Key")
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(Response{
				Success: false,
				Message: "missing X-API-Key header",
				TraceID: traceID(c),
			})
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Auth.APIKey)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(Response{
				Success: false,
				Message: "invalid api key",
				TraceID: traceID(c),
			})
		}
		return c.Next()
	}
}

// rateLimitMiddleware enforces a fixed-window rate limit on the
// enrichment endpoints using Redis. Windows are keyed to the minute.
func rateLimitMiddleware(cfg *config.Config, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := cfg.Enrich.RateLimitRequests
		if limit <= 0 {
			return c.Next()
		}

		windowSecs := cfg.Enrich.RateLimitWindowSecs
		if windowSecs <= 0 {
			windowSecs = 60
		}
		window := time.Now().UTC().Unix() / int64(windowSecs)
		key := fmt.Sprintf("morada:rl:enrich:%d", window)

		ctx := c.Context()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(Response{
				Success: false,
				Message: "rate limit increment failed: " + err.Error(),
				TraceID: traceID(c),
			})
		}
		if count == 1 {
			// First hit in this window; set TTL
			_ = rdb.Expire(ctx, key, time.Duration(windowSecs)*time.Second)
		}

		if count > int64(limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(Response{
				Success: false,
				Message: "enrichment rate limit exceeded, try again later",
				TraceID: traceID(c),
			})
		}
		return c.Next()
	}
}
