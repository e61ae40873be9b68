package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	OwnerID string `json:"owner_id"`
}

type walletResponse struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Address    string    `json:"address"`
	Blockchain string    `json:"blockchain"`
	CreatedAt  time.Time `json:"created_at"`
}

func toResponse(w Wallet) walletResponse {
	return walletResponse{
		ID:         w.ID,
		OwnerID:    w.OwnerID,
		Address:    w.Address,
		Blockchain: w.Blockchain,
		CreatedAt:  w.CreatedAt,
	}
}

// Create provisions a wallet for the given owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	wallet, err := h.service.Provision(c.UserContext(), ProvisionInput{OwnerID: req.OwnerID})
	if err != nil {
		if errors.Is(err, ErrInvalidOwner) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, "wallet provisioning failed")
	}
	return c.Status(http.StatusCreated).JSON(toResponse(wallet))
}

// Get returns wallet metadata without key material.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, "wallet lookup failed")
	}
	return c.Status(http.StatusOK).JSON(toResponse(wallet))
}

// ListByOwner returns the wallets of the owner in the query string.
func (h *Handler) ListByOwner(c *fiber.Ctx) error {
	wallets, err := h.service.ListByOwner(c.UserContext(), c.Query("owner_id"))
	if err != nil {
		if errors.Is(err, ErrInvalidOwner) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, "wallet lookup failed")
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, toResponse(w))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallets": out})
}
