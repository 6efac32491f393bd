package routes

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletrecon/internal/export"
	"github.com/congo-pay/walletrecon/internal/reconciliation"
)

// RegisterReconciliationRoutes wires the reconciliation report endpoints
// behind limiter.
func RegisterReconciliationRoutes(r fiber.Router, svc *reconciliation.Service, limiter fiber.Handler) {
	g := r.Group("/reconciliation", limiter)

	g.Get("/report", func(c *fiber.Ctx) error {
		report, err := reconcile(c, svc)
		if err != nil {
			return err
		}
		return c.Status(http.StatusOK).JSON(report.Summary())
	})

	g.Get("/report/details", func(c *fiber.Ctx) error {
		report, err := reconcile(c, svc)
		if err != nil {
			return err
		}
		return c.Status(http.StatusOK).JSON(report)
	})

	g.Get("/report/csv", func(c *fiber.Ctx) error {
		report, err := reconcile(c, svc)
		if err != nil {
			return err
		}
		body, err := export.CSV(report)
		if err != nil {
			return err
		}

		etag := `"` + export.Digest(body) + `"`
		c.Set(fiber.HeaderETag, etag)
		if report.Provisional {
			c.Set(fiber.HeaderCacheControl, "no-store")
		} else {
			c.Set(fiber.HeaderCacheControl, "private, max-age=300")
		}
		if c.Get(fiber.HeaderIfNoneMatch) == etag {
			return c.SendStatus(http.StatusNotModified)
		}

		c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, export.FileName(report.Date)))
		return c.Status(http.StatusOK).Send(body)
	})
}

func reconcile(c *fiber.Ctx, svc *reconciliation.Service) (reconciliation.Report, error) {
	date := c.Query("date")
	if date == "" {
		return reconciliation.Report{}, fiber.NewError(http.StatusBadRequest, "date query parameter is required (YYYY-MM-DD)")
	}
	report, err := svc.Reconcile(c.UserContext(), date)
	if err != nil {
		return reconciliation.Report{}, reconciliationError(err)
	}
	return report, nil
}

func reconciliationError(err error) error {
	switch {
	case errors.Is(err, reconciliation.ErrInvalidDate):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, reconciliation.ErrExternalSourceNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, reconciliation.ErrTimeout):
		return fiber.NewError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, reconciliation.ErrExternalSourceUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
