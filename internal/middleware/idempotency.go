package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	maxIdempotencyKeyLen = 128
	cacheCallTimeout     = 2 * time.Second
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key so a
// retried transfer submission never sends funds twice. Keys are scoped by
// route. A request with the same key still in flight gets 409.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key too long")
		}
		cacheKey := idempotencyPrefix + c.Path() + ":" + key
		log := logger.With(slog.String("idempotency_key", key), slog.String("path", c.Path()))

		ctx, cancel := context.WithTimeout(context.Background(), cacheCallTimeout)
		defer cancel()

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusServiceUnavailable, "idempotency store unavailable")
		}
		if !reserved {
			return replay(c, cache, cacheKey, log)
		}

		if err := c.Next(); err != nil {
			release(cache, cacheKey)
			return err
		}

		stored := storedResponse{
			Status:  c.Response().StatusCode(),
			Body:    string(c.Response().Body()),
			Headers: map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			stored.Headers[string(k)] = string(v)
		})
		payload, err := json.Marshal(stored)
		if err != nil {
			log.Error("encode idempotent response", slog.Any("error", err))
			release(cache, cacheKey)
			return nil
		}

		persistCtx, persistCancel := context.WithTimeout(context.Background(), cacheCallTimeout)
		defer persistCancel()
		if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
			// The response already reflects a settled transfer; only the replay is lost.
			log.Error("persist idempotent response", slog.Any("error", err))
			release(cache, cacheKey)
		}
		return nil
	}
}

func replay(c *fiber.Ctx, cache *redis.Client, cacheKey string, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cacheCallTimeout)
	defer cancel()

	cached, err := cache.Get(ctx, cacheKey).Result()
	if errors.Is(err, redis.Nil) {
		return fiber.NewError(fiber.StatusConflict, "duplicate request, retry")
	}
	if err != nil {
		log.Error("idempotency lookup failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "idempotency store unavailable")
	}
	if cached == inProgressMarker {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		log.Warn("decode stored idempotent response", slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	for header, value := range stored.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	c.Set("Idempotent-Replayed", "true")
	return c.Status(stored.Status).SendString(stored.Body)
}

func release(cache *redis.Client, cacheKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheCallTimeout)
	defer cancel()
	cache.Del(ctx, cacheKey)
}
