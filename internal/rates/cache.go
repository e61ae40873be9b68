package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tronvault/tronvault/internal/metrics"
)

// Cached serves rates from Redis for a short TTL before asking the wrapped
// oracle again. Redis failures fall through to the wrapped oracle.
type Cached struct {
	next   Oracle
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Oracle = (*Cached)(nil)

// NewCached wraps next with a Redis cache keyed by coin and currency.
func NewCached(next Oracle, client *redis.Client, coinID, vsCurrency string, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		next:   next,
		client: client,
		key:    fmt.Sprintf("rates:v1:%s:%s", coinID, vsCurrency),
		ttl:    ttl,
		logger: logger,
	}
}

// NativeToTokenRate implements Oracle.
func (c *Cached) NativeToTokenRate(ctx context.Context) (decimal.Decimal, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(raw); perr == nil && rate.IsPositive() {
			metrics.RateLookupsTotal.WithLabelValues("cache", "ok").Inc()
			return rate, nil
		}
		c.logger.Warn("discarding malformed cached rate", "key", c.key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("rate cache read failed", "key", c.key, "error", err)
	}

	rate, err := c.next.NativeToTokenRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.client.Set(ctx, c.key, rate.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", "key", c.key, "error", err)
	}
	return rate, nil
}
