package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultConnMaxLifetime = time.Hour
	defaultConnMaxIdleTime = 30 * time.Minute
	connectTimeout         = 10 * time.Second
)

// NewPostgresPool opens a pgx pool for the wallet and transfer stores and
// verifies connectivity. Pool sizes from the URL (pool_max_conns,
// pool_min_conns) take precedence over the defaults.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	applyPoolDefaults(cfg, url)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func applyPoolDefaults(cfg *pgxpool.Config, url string) {
	if !hasParam(url, "pool_max_conns") {
		cfg.MaxConns = defaultMaxConns
	}
	if !hasParam(url, "pool_min_conns") {
		cfg.MinConns = defaultMinConns
	}
	if !hasParam(url, "pool_max_conn_lifetime") {
		cfg.MaxConnLifetime = defaultConnMaxLifetime
	}
	if !hasParam(url, "pool_max_conn_idle_time") {
		cfg.MaxConnIdleTime = defaultConnMaxIdleTime
	}
}

// hasParam reports whether a connection URL or DSN sets key explicitly.
func hasParam(url, key string) bool {
	return strings.Contains(url, key+"=")
}
