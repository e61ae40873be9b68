package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

const (
	redisLockPrefix   = "lock:v1:"
	releaseTimeout    = 2 * time.Second
	pollBase          = 25 * time.Millisecond
	pollCap           = 500 * time.Millisecond
	defaultRedisLease = 5 * time.Minute
)

var errHeld = errors.New("lock held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across service instances. Each lock is a key with
// a lease so a crashed holder cannot block the wallet forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis builds a Redis-backed locker with the given lease.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Lock polls SET NX with capped exponential backoff until the key is acquired
// or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisLockPrefix + key
	token := uuid.NewString()

	backoff := retry.WithCappedDuration(pollCap, retry.NewExponential(pollBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errHeld)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Error("release lock failed", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}
