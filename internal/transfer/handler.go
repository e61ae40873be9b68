package transfer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/tronvault/tronvault/internal/ledger"
	"github.com/tronvault/tronvault/internal/middleware"
)

// Handler exposes transfer endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a transfer handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type internalRequest struct {
	FromWalletID string `json:"from_wallet_id"`
	ToWalletID   string `json:"to_wallet_id"`
	Amount       string `json:"amount"`
}

type externalRequest struct {
	FromWalletID string `json:"from_wallet_id"`
	Address      string `json:"address"`
	Amount       string `json:"amount"`
}

type resultResponse struct {
	TransferID    string `json:"transfer_id"`
	TransactionID string `json:"transaction_id"`
	FeeInToken    string `json:"fee_in_token"`
}

type statusResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Currency      string    `json:"currency"`
	Amount        string    `json:"amount"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type historyEntry struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	Currency        string    `json:"currency"`
	Amount          string    `json:"amount"`
	FromWalletID    string    `json:"from_wallet_id"`
	ToWalletID      string    `json:"to_wallet_id,omitempty"`
	ExternalAddress string    `json:"external_address,omitempty"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	FeeInToken      string    `json:"fee_in_token"`
	FailureStage    string    `json:"failure_stage,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Internal processes a wallet-to-wallet transfer.
func (h *Handler) Internal(c *fiber.Ctx) error {
	var req internalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return writeError(c, &Error{Stage: StageValidate, Kind: ErrInvalidAmount, Err: err})
	}
	res, err := h.engine.InternalTransfer(c.UserContext(), req.FromWalletID, req.ToWalletID, amount)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toResultResponse(res))
}

// External processes a withdrawal to an outside address.
func (h *Handler) External(c *fiber.Ctx) error {
	var req externalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return writeError(c, &Error{Stage: StageValidate, Kind: ErrInvalidAmount, Err: err})
	}
	res, err := h.engine.ExternalTransfer(c.UserContext(), req.FromWalletID, req.Address, amount)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toResultResponse(res))
}

// Status returns the state of one transfer.
func (h *Handler) Status(c *fiber.Ctx) error {
	view, err := h.engine.Status(c.UserContext(), c.Params("transferId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(statusResponse{
		ID:            view.ID,
		Status:        string(view.Status),
		Currency:      view.Currency,
		Amount:        view.Amount.String(),
		TransactionID: view.TransactionID,
		CreatedAt:     view.CreatedAt,
		UpdatedAt:     view.UpdatedAt,
	})
}

// History lists the transfers of a wallet.
func (h *Handler) History(c *fiber.Ctx) error {
	records, err := h.engine.History(c.UserContext(), c.Params("walletId"), c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	out := make([]historyEntry, 0, len(records))
	for _, r := range records {
		out = append(out, toHistoryEntry(r))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transfers": out})
}

// OwnerHistory lists the transfers across all wallets of the owner in the
// query string.
func (h *Handler) OwnerHistory(c *fiber.Ctx) error {
	records, err := h.engine.OwnerHistory(c.UserContext(), c.Query("owner_id"), c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	out := make([]historyEntry, 0, len(records))
	for _, r := range records {
		out = append(out, toHistoryEntry(r))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transfers": out})
}

func toResultResponse(res Result) resultResponse {
	return resultResponse{
		TransferID:    res.TransferID,
		TransactionID: res.TransactionID,
		FeeInToken:    res.FeeInToken.String(),
	}
}

func toHistoryEntry(r ledger.Record) historyEntry {
	return historyEntry{
		ID:              r.ID,
		Kind:            string(r.Kind),
		Status:          string(r.Status),
		Currency:        r.Currency,
		Amount:          r.Amount.String(),
		FromWalletID:    r.FromWalletID,
		ToWalletID:      r.ToWalletID,
		ExternalAddress: r.ExternalAddress,
		TransactionID:   r.TransactionID,
		FeeInToken:      r.FeeInToken.String(),
		FailureStage:    r.FailureStage,
		CreatedAt:       r.CreatedAt,
	}
}

// statusFor maps an engine error kind to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidOwner):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrWalletBusy):
		return http.StatusConflict
	case errors.Is(err, ErrBroadcastRejected), errors.Is(err, ErrChainError):
		return http.StatusBadGateway
	case errors.Is(err, ErrRateUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// kindOf returns the sentinel carried by err for the response body.
func kindOf(err error) error {
	var te *Error
	if errors.As(err, &te) && te.Kind != nil {
		return te.Kind
	}
	return err
}

func writeError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	body := fiber.Map{
		"error": kindOf(err).Error(),
		"stage": string(StageOf(err)),
	}
	if reqID := middleware.RequestIDFrom(c.UserContext()); reqID != "" {
		body["request_id"] = reqID
	}
	var te *Error
	if errors.As(err, &te) {
		if te.TransferID != "" {
			body["transfer_id"] = te.TransferID
		}
		if te.TransactionID != "" {
			body["transaction_id"] = te.TransactionID
		}
	}
	return c.Status(status).JSON(body)
}
