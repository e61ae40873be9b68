package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/tronvault/tronvault/internal/metrics"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// CoinGeckoConfig configures the CoinGecko simple price client.
type CoinGeckoConfig struct {
	BaseURL          string
	CoinID           string
	VsCurrency       string
	Timeout          time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// CoinGecko fetches rates from the /simple/price endpoint behind a circuit breaker.
type CoinGecko struct {
	cfg        CoinGeckoConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

var _ Oracle = (*CoinGecko)(nil)

// NewCoinGecko builds a CoinGecko oracle.
func NewCoinGecko(cfg CoinGeckoConfig, logger *slog.Logger) *CoinGecko {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.BreakerThreshold
	st := gobreaker.Settings{
		Name:        "coingecko",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("rate oracle breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &CoinGecko{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

// NativeToTokenRate returns the current price of one native coin in the
// configured currency. Every failure is reported as ErrUnavailable.
func (c *CoinGecko) NativeToTokenRate(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		metrics.RateLookupsTotal.WithLabelValues("coingecko", "error").Inc()
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.RateLookupsTotal.WithLabelValues("coingecko", "ok").Inc()
	return out.(decimal.Decimal), nil
}

// BreakerState exposes the breaker state for health reporting.
func (c *CoinGecko) BreakerState() string {
	return c.breaker.State().String()
}

func (c *CoinGecko) fetch(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", c.cfg.CoinID)
	query.Set("vs_currencies", c.cfg.VsCurrency)
	endpoint := c.cfg.BaseURL + "/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var prices map[string]map[string]json.Number
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, fmt.Errorf("parse response: %w", err)
	}
	raw, ok := prices[c.cfg.CoinID][c.cfg.VsCurrency]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing %s.%s in response", c.cfg.CoinID, c.cfg.VsCurrency)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", raw, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", rate)
	}
	return rate, nil
}
