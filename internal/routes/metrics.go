package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/congo-pay/walletrecon/internal/metrics"
)

// RegisterMetricsRoute exposes the Prometheus registry at /metrics.
func RegisterMetricsRoute(app *fiber.App, m *metrics.Metrics) {
	if m == nil {
		return
	}
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
}
