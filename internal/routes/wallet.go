package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletrecon/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	wallets := r.Group("/wallets/:walletId")
	wallets.Get("/balance", h.Balance)
	wallets.Post("/topup", h.TopUp)
	wallets.Post("/consume", h.Consume)
	wallets.Get("/transactions", h.History)
	wallets.Get("/verify", h.Verify)
}
