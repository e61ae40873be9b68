package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tronvault/tronvault/internal/chain/tron"
	"github.com/tronvault/tronvault/internal/config"
	"github.com/tronvault/tronvault/internal/custody"
	"github.com/tronvault/tronvault/internal/ledger"
	"github.com/tronvault/tronvault/internal/lock"
	"github.com/tronvault/tronvault/internal/notification"
	"github.com/tronvault/tronvault/internal/rates"
	"github.com/tronvault/tronvault/internal/reconcile"
	"github.com/tronvault/tronvault/internal/transfer"
	"github.com/tronvault/tronvault/internal/wallet"
)

// NotificationChannel is the Redis pub/sub channel transfer notifications are
// published on when Redis is configured.
const NotificationChannel = "tronvault:notifications"

// App holds the wired services shared by the API server and the admin CLI.
type App struct {
	Wallets    *wallet.Service
	Transfers  *transfer.Engine
	Reconciler *reconcile.Reconciler
	Oracle     rates.Oracle
	Records    ledger.Store
}

// Build wires services against Postgres and Redis. A nil db or cache selects
// the in-memory store or lock, which is only allowed in development.
func Build(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*App, error) {
	if !cfg.IsDev() {
		if db == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", cfg.AppEnv)
		}
		if cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", cfg.AppEnv)
		}
	}

	keeper, err := custody.New(cfg.Custody.Keys, cfg.Custody.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("custody: %w", err)
	}

	client := tron.NewClient(tron.Config{
		NodeURL: cfg.Chain.NodeURL,
		APIKey:  cfg.Chain.APIKey,
		Timeout: cfg.Chain.CallTimeout,
	})

	var (
		walletRepo wallet.Repository
		records    ledger.Store
		locker     lock.Locker
	)
	if db != nil {
		walletRepo = wallet.NewPostgresRepository(db)
		records = ledger.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory wallet and transfer stores")
		walletRepo = wallet.NewMemoryRepository()
		records = ledger.NewInMemory()
	}

	var oracle rates.Oracle = rates.NewCoinGecko(rates.CoinGeckoConfig{
		BaseURL:    cfg.Rates.BaseURL,
		CoinID:     cfg.Rates.CoinID,
		VsCurrency: cfg.Rates.VsCurrency,
		Timeout:    cfg.Chain.CallTimeout,
	}, logger)

	notifiers := notification.Fanout{notification.NewLoggerNotifier(logger)}
	if cache != nil {
		locker = lock.NewRedis(cache, cfg.Locks.TTL, logger)
		if cfg.Rates.CacheTTL > 0 {
			oracle = rates.NewCached(oracle, cache, cfg.Rates.CoinID, cfg.Rates.VsCurrency, cfg.Rates.CacheTTL, logger)
		}
		notifiers = append(notifiers, notification.NewRedisNotifier(cache, NotificationChannel))
	} else {
		logger.Warn("REDIS_URL not set, wallet locks are process-local")
		locker = lock.NewMemory()
	}

	engine := transfer.NewEngine(transfer.Config{
		TokenContract:   cfg.Chain.TokenContract,
		Currency:        cfg.Chain.TokenCurrency,
		Decimals:        cfg.Chain.TokenDecimals,
		FeeLimitSun:     cfg.Chain.FeeLimitSun,
		CallTimeout:     cfg.Chain.CallTimeout,
		ReceiptTimeout:  cfg.Chain.ReceiptTimeout,
		ReceiptInterval: cfg.Chain.ReceiptInterval,
		LockWait:        cfg.Locks.Wait,
	}, transfer.Deps{
		Wallets:  walletRepo,
		Keys:     keeper,
		Chain:    client,
		Oracle:   oracle,
		Records:  records,
		Locker:   locker,
		Notifier: notifiers,
		Logger:   logger,
	})

	reconciler := reconcile.New(reconcile.Config{
		Interval:       cfg.Reconcile.Interval,
		PendingTimeout: cfg.Reconcile.PendingTimeout,
		CallTimeout:    cfg.Chain.CallTimeout,
	}, records, client, oracle, logger)

	return &App{
		Wallets:    wallet.NewService(walletRepo, client, keeper, logger),
		Transfers:  engine,
		Reconciler: reconciler,
		Oracle:     oracle,
		Records:    records,
	}, nil
}
