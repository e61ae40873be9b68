package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tronvault/tronvault/internal/app"
	"github.com/tronvault/tronvault/internal/config"
	"github.com/tronvault/tronvault/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// Write timeout leaves room for a transfer that waits on its receipt.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger, services *app.App) (*Server, error) {
	fapp := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Chain.ReceiptTimeout + 30*time.Second,
	})

	if err := routes.Setup(fapp, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger, App: services}); err != nil {
		return nil, err
	}

	return &Server{app: fapp, cfg: cfg}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
