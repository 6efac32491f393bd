package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletrecon/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type mutationRequest struct {
	Amount        *decimal.Decimal `json:"amount"`
	TransactionID string           `json:"transactionId"`
}

type mutationResponse struct {
	Message       string      `json:"message"`
	WalletID      string      `json:"walletId"`
	TransactionID string      `json:"transactionId"`
	Status        string      `json:"status"`
	Balance       json.Number `json:"balance"`
	Replayed      bool        `json:"replayed"`
}

type transactionView struct {
	TransactionID    string      `json:"transactionId"`
	WalletID         string      `json:"walletId"`
	Type             string      `json:"type"`
	Amount           json.Number `json:"amount"`
	Status           string      `json:"status"`
	ResultingBalance json.Number `json:"resultingBalance"`
	WalletVersion    int64       `json:"walletVersion"`
	AcceptedAt       time.Time   `json:"acceptedAt"`
}

// Balance returns the wallet balance as a bare JSON number.
func (h *Handler) Balance(c *fiber.Ctx) error {
	w, err := h.service.Balance(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(money(w.Balance))
}

// TopUp credits the wallet.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	return h.mutate(c, "Top-up successful", h.service.TopUp)
}

// Consume debits the wallet.
func (h *Handler) Consume(c *fiber.Ctx) error {
	return h.mutate(c, "Consume successful", h.service.Consume)
}

// History lists the wallet's transactions, oldest first.
func (h *Handler) History(c *fiber.Ctx) error {
	txs, err := h.service.History(c.UserContext(), c.Params("walletId"), c.QueryInt("limit", 0), c.QueryInt("offset", 0))
	if err != nil {
		return httpError(err)
	}
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, viewOf(tx))
	}
	return c.Status(http.StatusOK).JSON(out)
}

// Verify checks the stored balance against a replay of the log.
func (h *Handler) Verify(c *fiber.Ctx) error {
	w, err := h.service.Verify(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"walletId":   w.ID,
		"balance":    money(w.Balance),
		"version":    w.Version,
		"consistent": true,
	})
}

type mutation func(ctx context.Context, walletID string, amount decimal.Decimal, transactionID string) (Result, error)

func (h *Handler) mutate(c *fiber.Ctx, message string, apply mutation) error {
	var req mutationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Amount == nil {
		return fiber.NewError(http.StatusBadRequest, "amount is required")
	}

	res, err := apply(c.UserContext(), c.Params("walletId"), *req.Amount, req.TransactionID)
	if err != nil {
		return httpError(err)
	}

	return c.Status(http.StatusOK).JSON(mutationResponse{
		Message:       message,
		WalletID:      res.Transaction.WalletID,
		TransactionID: res.Transaction.ID,
		Status:        string(res.Transaction.Status),
		Balance:       money(res.Transaction.ResultingBalance),
		Replayed:      res.Replayed,
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, "amount must be greater than zero, at most 999999999999999999.99 and carry at most 2 decimal places")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, ErrInvalidID):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrLedgerBusy), errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(http.StatusServiceUnavailable, ErrLedgerBusy.Error())
	case errors.Is(err, ledger.ErrProjectionDrift):
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	default:
		return err
	}
}

func viewOf(tx ledger.Transaction) transactionView {
	return transactionView{
		TransactionID:    tx.ID,
		WalletID:         tx.WalletID,
		Type:             string(tx.Type),
		Amount:           money(tx.Amount),
		Status:           string(tx.Status),
		ResultingBalance: money(tx.ResultingBalance),
		WalletVersion:    tx.WalletVersion,
		AcceptedAt:       tx.AcceptedAt,
	}
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(ledger.AmountScale))
}
