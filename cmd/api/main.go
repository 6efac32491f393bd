package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/walletrecon/internal/config"
	"github.com/congo-pay/walletrecon/internal/infra"
	"github.com/congo-pay/walletrecon/internal/logging"
	"github.com/congo-pay/walletrecon/internal/metrics"
	"github.com/congo-pay/walletrecon/internal/notification"
	"github.com/congo-pay/walletrecon/internal/routes"
	"github.com/congo-pay/walletrecon/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	shutdownTracer, err := infra.InitTracer(ctx, cfg.OTLPEndpoint, cfg.AppName, cfg.AppEnv)
	if err != nil {
		logger.Error("init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("shutdown tracer", "error", err)
		}
	}()

	deps := routes.Deps{Cfg: cfg, Logger: logger, Metrics: metrics.New()}

	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		deps.DB = db
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	if cfg.RabbitMQURL != "" {
		publisher, err := notification.NewAMQPPublisher(cfg.RabbitMQURL, cfg.Exchange)
		if err != nil {
			logger.Error("connect rabbitmq", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close rabbitmq", "error", err)
			}
		}()
		deps.Publisher = publisher
	}

	srv, err := server.New(deps)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Address(), "env", cfg.AppEnv)
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
