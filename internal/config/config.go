package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "TronVault"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultShutdownDelay   = 10 * time.Second
	defaultTronNodeURL     = "https://api.trongrid.io"
	defaultTokenContract   = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	defaultTokenCurrency   = "USDT"
	defaultTokenDecimals   = 6
	defaultFeeLimitSun     = 100_000_000
	defaultCallTimeout     = 10 * time.Second
	defaultReceiptTimeout  = 60 * time.Second
	defaultReceiptInterval = 3 * time.Second
	defaultRateAPIURL      = "https://api.coingecko.com/api/v3"
	defaultRateCoinID      = "tron"
	defaultRateVsCurrency  = "usdt"
	defaultLockTTL         = 5 * time.Minute
	defaultLockWait        = 2 * time.Minute
	defaultPendingTimeout  = 10 * time.Minute
	defaultReconcileEvery  = time.Minute
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultTransferRate    = 30
	custodyKeySize         = 32

	// transferCalls counts the bounded chain, store and notifier calls one
	// transfer makes while it holds its wallet lock, besides the receipt wait.
	transferCalls = 9
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	AutoMigrate    bool
	IdempotencyTTL time.Duration
	// TransferRateLimit caps transfer submissions per source wallet per minute.
	TransferRateLimit int

	Chain     ChainConfig
	Rates     RatesConfig
	Custody   CustodyConfig
	Locks     LockConfig
	Reconcile ReconcileConfig
}

// ChainConfig holds TRON node and token contract settings.
type ChainConfig struct {
	NodeURL         string
	APIKey          string
	TokenContract   string
	TokenCurrency   string
	TokenDecimals   int32
	FeeLimitSun     int64
	CallTimeout     time.Duration
	ReceiptTimeout  time.Duration
	ReceiptInterval time.Duration
}

// RatesConfig holds price oracle settings.
type RatesConfig struct {
	BaseURL    string
	CoinID     string
	VsCurrency string
	CacheTTL   time.Duration
}

// CustodyConfig holds the master keys used to seal wallet signing keys.
// Keys never travel with the sealed bundles.
type CustodyConfig struct {
	Keys      map[string][]byte
	ActiveKey string
}

// LockConfig controls per-wallet transfer serialization.
type LockConfig struct {
	TTL  time.Duration
	Wait time.Duration
}

// ReconcileConfig controls the background reconciliation loop. A zero
// Interval disables the loop in the API process.
type ReconcileConfig struct {
	Interval       time.Duration
	PendingTimeout time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      getEnv("APP_ENV", defaultAppEnv),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Chain: ChainConfig{
			NodeURL:       strings.TrimRight(getEnv("TRON_NODE_URL", defaultTronNodeURL), "/"),
			APIKey:        os.Getenv("TRON_API_KEY"),
			TokenContract: getEnv("TOKEN_CONTRACT", defaultTokenContract),
			TokenCurrency: getEnv("TOKEN_CURRENCY", defaultTokenCurrency),
		},
		Rates: RatesConfig{
			BaseURL:    strings.TrimRight(getEnv("RATE_API_URL", defaultRateAPIURL), "/"),
			CoinID:     getEnv("RATE_COIN_ID", defaultRateCoinID),
			VsCurrency: getEnv("RATE_VS_CURRENCY", defaultRateVsCurrency),
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = getDuration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", false); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = getDuration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.TransferRateLimit, err = getInt("TRANSFER_RATE_LIMIT", defaultTransferRate); err != nil {
		return Config{}, err
	}

	decimals, err := getInt("TOKEN_DECIMALS", defaultTokenDecimals)
	if err != nil {
		return Config{}, err
	}
	if decimals < 0 || decimals > 18 {
		return Config{}, fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18")
	}
	cfg.Chain.TokenDecimals = int32(decimals)

	feeLimit, err := getInt("FEE_LIMIT_SUN", defaultFeeLimitSun)
	if err != nil {
		return Config{}, err
	}
	if feeLimit <= 0 {
		return Config{}, fmt.Errorf("FEE_LIMIT_SUN must be positive")
	}
	cfg.Chain.FeeLimitSun = int64(feeLimit)

	if cfg.Chain.CallTimeout, err = getDuration("CHAIN_CALL_TIMEOUT", defaultCallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Chain.ReceiptTimeout, err = getDuration("RECEIPT_TIMEOUT", defaultReceiptTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Chain.ReceiptInterval, err = getDuration("RECEIPT_POLL_INTERVAL", defaultReceiptInterval); err != nil {
		return Config{}, err
	}
	if cfg.Rates.CacheTTL, err = getDuration("RATE_CACHE_TTL", 0); err != nil {
		return Config{}, err
	}
	if cfg.Locks.TTL, err = getDuration("LOCK_TTL", defaultLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.Locks.Wait, err = getDuration("LOCK_WAIT", defaultLockWait); err != nil {
		return Config{}, err
	}
	if cfg.Reconcile.Interval, err = getDuration("RECONCILE_INTERVAL", defaultReconcileEvery); err != nil {
		return Config{}, err
	}
	if cfg.Reconcile.PendingTimeout, err = getDuration("PENDING_TIMEOUT", defaultPendingTimeout); err != nil {
		return Config{}, err
	}

	deadline := cfg.Chain.TransferDeadline()
	if cfg.Locks.TTL <= deadline {
		return Config{}, fmt.Errorf("LOCK_TTL (%s) must exceed the longest transfer (%s = %d*CHAIN_CALL_TIMEOUT + RECEIPT_TIMEOUT)",
			cfg.Locks.TTL, deadline, transferCalls)
	}
	if cfg.Reconcile.PendingTimeout <= deadline {
		return Config{}, fmt.Errorf("PENDING_TIMEOUT (%s) must exceed the longest transfer (%s = %d*CHAIN_CALL_TIMEOUT + RECEIPT_TIMEOUT)",
			cfg.Reconcile.PendingTimeout, deadline, transferCalls)
	}

	if cfg.Custody, err = parseCustody(os.Getenv("CUSTODY_KEYS"), os.Getenv("CUSTODY_ACTIVE_KEY")); err != nil {
		return Config{}, err
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// TransferDeadline is the longest a transfer can run once it holds its wallet
// lock. Wallet leases and the reconciler's pending cutoff must outlast it.
func (c ChainConfig) TransferDeadline() time.Duration {
	return transferCalls*c.CallTimeout + c.ReceiptTimeout
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the service runs in a local development environment,
// where Postgres and Redis are optional.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// parseCustody reads CUSTODY_KEYS in the form "id:hex,id:hex". Each key must be
// 32 bytes. With a single key the active key defaults to it.
func parseCustody(raw, active string) (CustodyConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return CustodyConfig{}, fmt.Errorf("CUSTODY_KEYS must be set")
	}
	out := CustodyConfig{Keys: make(map[string][]byte), ActiveKey: strings.TrimSpace(active)}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hexKey, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			return CustodyConfig{}, fmt.Errorf("invalid CUSTODY_KEYS entry %q: want id:hex", entry)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return CustodyConfig{}, fmt.Errorf("invalid CUSTODY_KEYS entry %q: %w", id, err)
		}
		if len(key) != custodyKeySize {
			return CustodyConfig{}, fmt.Errorf("custody key %q must be %d bytes, got %d", id, custodyKeySize, len(key))
		}
		out.Keys[id] = key
	}
	if out.ActiveKey == "" {
		if len(out.Keys) != 1 {
			return CustodyConfig{}, fmt.Errorf("CUSTODY_ACTIVE_KEY must be set when several keys are configured")
		}
		for id := range out.Keys {
			out.ActiveKey = id
		}
	}
	if _, ok := out.Keys[out.ActiveKey]; !ok {
		return CustodyConfig{}, fmt.Errorf("CUSTODY_ACTIVE_KEY %q is not in CUSTODY_KEYS", out.ActiveKey)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts either an integer number of seconds or a Go duration string.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
