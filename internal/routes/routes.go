package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tronvault/tronvault/internal/app"
	"github.com/tronvault/tronvault/internal/config"
	"github.com/tronvault/tronvault/internal/middleware"
	"github.com/tronvault/tronvault/internal/transfer"
	"github.com/tronvault/tronvault/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	App    *app.App
}

// Setup configures middlewares and all application routes.
func Setup(fapp *fiber.App, d Deps) error {
	if d.App == nil {
		return fmt.Errorf("routes: services are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	// Middlewares
	fapp.Use(recover.New())
	fapp.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	if d.Cfg.IsDev() {
		fapp.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	fapp.Use(middleware.Audit(d.Logger))

	// Health and metrics
	RegisterHealthRoutes(fapp, d)
	fapp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	walletHandler := wallet.NewHandler(d.App.Wallets)
	transferHandler := transfer.NewHandler(d.App.Transfers)

	// API routes
	api := fapp.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler, transferHandler)

	// Replay protection and submission limits need Redis; without it in
	// development transfers are accepted as-is.
	var guards []fiber.Handler
	if d.Cache != nil {
		guards = append(guards,
			middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
			middleware.TransferRateLimit(d.Cache, d.Cfg.TransferRateLimit, d.Logger))
	}
	RegisterTransferRoutes(api, transferHandler, guards...)

	return nil
}
