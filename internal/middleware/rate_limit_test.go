package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tronvault/tronvault/internal/logging"
)

func TestTransferRateLimitPerWallet(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	app := fiber.New()
	app.Post("/transfers/internal", TransferRateLimit(cache, 2, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	send := func(wallet string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers/internal", strings.NewReader(`{"from_wallet_id":"`+wallet+`"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if status := send("w1"); status != fiber.StatusCreated {
			t.Fatalf("request %d: expected 201 got %d", i, status)
		}
	}
	if status := send("w1"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", status)
	}
	if status := send("w2"); status != fiber.StatusCreated {
		t.Fatalf("other wallet should not be limited, got %d", status)
	}
	if ttl := mr.TTL(rateLimitPrefix + "w1"); ttl <= 0 {
		t.Fatalf("expected counter expiry, got %s", ttl)
	}
}

func TestTransferRateLimitWithoutRedis(t *testing.T) {
	app := fiber.New()
	app.Post("/x", TransferRateLimit(nil, 1, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/x", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("expected pass-through, got %d", resp.StatusCode)
		}
	}
}
