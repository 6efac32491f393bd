package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	replayedHeader       = "Idempotent-Replayed"
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Idempotency replays stored responses for unsafe requests that repeat an
// Idempotency-Key header on the same method and path. Requests without the
// header pass through untouched; the ledger already deduplicates on the
// transaction id, so this only saves the round trip. Server errors are never
// stored and a Redis outage degrades to pass-through.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		switch method {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" {
			return c.Next()
		}
		if len(key) > 255 {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key is too long")
		}
		cacheKey := idempotencyPrefix + method + ":" + c.Path() + ":" + key

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		cached, err := cache.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			var stored storedResponse
			if err := json.Unmarshal(cached, &stored); err != nil {
				logger.Warn("failed to decode stored idempotent response", slog.String("key", key), slog.Any("error", err))
				cache.Del(ctx, cacheKey)
				return c.Next()
			}
			for header, value := range stored.Headers {
				if strings.EqualFold(header, fiber.HeaderContentLength) {
					continue
				}
				c.Set(header, value)
			}
			c.Set(replayedHeader, "true")
			return c.Status(stored.Status).SendString(stored.Body)
		case !errors.Is(err, redis.Nil):
			logger.Warn("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			return nil
		}

		stored := storedResponse{
			Status:  status,
			Body:    string(c.Response().Body()),
			Headers: map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			stored.Headers[string(k)] = string(v)
		})

		payload, err := json.Marshal(stored)
		if err != nil {
			logger.Error("failed to encode idempotent response", slog.String("key", key), slog.Any("error", err))
			return nil
		}

		persistCtx, persistCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer persistCancel()
		if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
			logger.Warn("failed to persist idempotent response", slog.String("key", key), slog.Any("error", err))
		}
		return nil
	}
}
