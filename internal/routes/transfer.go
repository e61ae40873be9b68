package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tronvault/tronvault/internal/transfer"
)

// RegisterTransferRoutes wires transfer endpoints. Guards run before the
// submission handlers only.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler, guards ...fiber.Handler) {
	r.Post("/transfers/internal", guarded(guards, h.Internal)...)
	r.Post("/transfers/external", guarded(guards, h.External)...)
	r.Get("/transfers", h.OwnerHistory)
	r.Get("/transfers/:transferId/status", h.Status)
}

func guarded(guards []fiber.Handler, h fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(guards)+1)
	out = append(out, guards...)
	return append(out, h)
}
