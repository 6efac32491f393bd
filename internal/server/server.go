package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/congo-pay/walletrecon/internal/config"
	"github.com/congo-pay/walletrecon/internal/middleware"
	"github.com/congo-pay/walletrecon/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(deps routes.Deps) (*Server, error) {
	app := NewApp(deps.Cfg, deps.Logger)

	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: deps.Cfg}, nil
}

// NewApp builds the bare Fiber application with the JSON error renderer.
func NewApp(cfg config.Config, logger *slog.Logger) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler(logger),
	})
}

// ErrorHandler renders every error as
// {timestamp, status, error, message, path}. Errors that are not
// *fiber.Error become 500s and their text is not exposed.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
			message = fe.Message
		} else if logger != nil {
			logger.Error("unhandled error",
				slog.String("path", c.Path()),
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.Any("error", err),
			)
		}

		return c.Status(status).JSON(fiber.Map{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"status":    status,
			"error":     utils.StatusMessage(status),
			"message":   message,
			"path":      c.Path(),
		})
	}
}

// Handler exposes the Fiber app, mainly for tests.
func (s *Server) Handler() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server and runs the shutdown hooks
// registered by routes.Setup.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
