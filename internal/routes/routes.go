package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletrecon/internal/config"
	"github.com/congo-pay/walletrecon/internal/ledger"
	"github.com/congo-pay/walletrecon/internal/metrics"
	"github.com/congo-pay/walletrecon/internal/middleware"
	"github.com/congo-pay/walletrecon/internal/notification"
	"github.com/congo-pay/walletrecon/internal/reconciliation"
	"github.com/congo-pay/walletrecon/internal/resilience"
	"github.com/congo-pay/walletrecon/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. Store, Source
// and ReportCache are optional overrides; when nil they are built from Cfg,
// DB and Cache.
type Deps struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Cache     *redis.Client
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Publisher notification.Publisher

	Store       ledger.Store
	Source      reconciliation.Source
	ReportCache reconciliation.Cache
}

// Setup configures middlewares and all application routes. Resources Setup
// builds itself are released by the app's shutdown hooks.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil && d.Store == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		return fmt.Errorf("logger is required")
	}

	store, err := ledgerStore(d)
	if err != nil {
		return err
	}
	publisher := d.Publisher
	if publisher == nil {
		publisher = notification.NewLoggerPublisher(d.Logger)
	}

	walletSvc := wallet.NewService(store, publisher, d.Metrics, d.Logger, wallet.Options{
		MaxRetries:   d.Cfg.LedgerMaxRetries,
		RetryBackoff: d.Cfg.LedgerRetryBackoff,
		LockTimeout:  d.Cfg.LedgerLockTimeout,
	})
	reports := reportCache(d)
	if mc, ok := reports.(*reconciliation.MemoryCache); ok && d.ReportCache == nil {
		app.Hooks().OnShutdown(func() error {
			mc.Close()
			return nil
		})
	}
	reconSvc := reconciliation.NewService(store, externalSource(d), reports, d.Metrics, d.Logger, reconciliation.Config{
		Epsilon:  d.Cfg.ReconcileEpsilon,
		Timeout:  d.Cfg.ReconcileTimeout,
		Location: d.Cfg.ReconcileLocation,
	})

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.LogFormat == "text" {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(d.Logger))
	}
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	// Ops
	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app, d.Metrics)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, wallet.NewHandler(walletSvc))
	RegisterReconciliationRoutes(api, reconSvc, middleware.RateLimit(d.Cache, "reconciliation", d.Cfg.ReportRateLimit))

	return nil
}

func ledgerStore(d Deps) (ledger.Store, error) {
	if d.Store != nil {
		return d.Store, nil
	}
	if d.DB == nil {
		d.Logger.Warn("no database configured, using in-memory ledger")
		return ledger.NewInMemory(), nil
	}
	store := ledger.NewPostgresStore(d.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return store, nil
}

func externalSource(d Deps) reconciliation.Source {
	if d.Source != nil {
		return d.Source
	}
	if d.Cfg.ExternalSourceURL != "" {
		return reconciliation.NewHTTPSource(d.Cfg.ExternalSourceURL, d.Cfg.ExternalSourceTimeout, resilience.Config{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
		})
	}
	return reconciliation.NewDirSource(d.Cfg.ExternalSourceDir)
}

func reportCache(d Deps) reconciliation.Cache {
	if d.ReportCache != nil {
		return d.ReportCache
	}
	if d.Cache != nil {
		return reconciliation.NewRedisCache(d.Cache, d.Cfg.ReportCacheTTL)
	}
	return reconciliation.NewMemoryCache(d.Cfg.ReportCacheTTL)
}
