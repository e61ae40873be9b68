package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tronvault/tronvault/internal/transfer"
	"github.com/tronvault/tronvault/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, transfers *transfer.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets", h.ListByOwner)
	r.Get("/wallets/:walletId", h.Get)
	r.Get("/wallets/:walletId/transfers", transfers.History)
}
