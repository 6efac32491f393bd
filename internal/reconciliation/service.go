package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/walletrecon/internal/ledger"
	"github.com/congo-pay/walletrecon/internal/metrics"
)

var tracer = otel.Tracer("reconciliation")

const defaultTimeout = 30 * time.Second

// LedgerReader is the read side of the ledger the engine needs.
type LedgerReader interface {
	AcceptedBetween(ctx context.Context, from, to time.Time) ([]ledger.Transaction, error)
}

// Config tunes the reconciliation service.
type Config struct {
	Epsilon  decimal.Decimal
	Timeout  time.Duration
	Location *time.Location
}

// Service reconciles the ledger against an external record source. It never
// takes ledger locks; both sides are read concurrently and a failure of either
// aborts the run.
type Service struct {
	ledger   LedgerReader
	source   Source
	cache    Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	epsilon  decimal.Decimal
	timeout  time.Duration
	location *time.Location
	now      func() time.Time
}

// NewService builds a reconciliation service. cache and m may be nil.
func NewService(reader LedgerReader, source Source, cache Cache, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.Epsilon.IsZero() || cfg.Epsilon.IsNegative() {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		ledger:   reader,
		source:   source,
		cache:    cache,
		metrics:  m,
		logger:   logger,
		epsilon:  cfg.Epsilon,
		timeout:  cfg.Timeout,
		location: cfg.Location,
		now:      time.Now,
	}
}

// Reconcile builds the report for date (YYYY-MM-DD). Reports for dates that
// have not ended yet are marked provisional and never cached.
func (s *Service) Reconcile(ctx context.Context, date string) (Report, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.Reconcile",
		trace.WithAttributes(attribute.String("report.date", date)))
	defer span.End()

	report, err := s.reconcile(ctx, date)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveReconciliation("failure", nil)
		s.logger.Warn("reconciliation failed", slog.String("date", date), slog.Any("error", err))
		return Report{}, err
	}

	span.SetAttributes(
		attribute.Bool("report.provisional", report.Provisional),
		attribute.Int("report.matched", len(report.Matched)),
		attribute.Int("report.mismatched", len(report.Mismatched)),
	)
	return report, nil
}

func (s *Service) reconcile(ctx context.Context, date string) (Report, error) {
	start, err := ParseDate(date, s.location)
	if err != nil {
		return Report{}, err
	}
	end := start.AddDate(0, 0, 1)
	provisional := s.now().Before(end)

	if !provisional && s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, date)
		if err != nil {
			s.logger.Warn("report cache lookup failed", slog.String("date", date), slog.Any("error", err))
		}
		s.metrics.CacheResult(ok)
		if ok {
			return cached, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		internal []ledger.Transaction
		external []ExternalRecord
	)
	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		txs, err := s.ledger.AcceptedBetween(gctx, start, end)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		internal = txs
		return nil
	})
	g.Go(func() error {
		recs, err := s.source.Fetch(gctx, date)
		if err != nil {
			if !errors.Is(err, ErrExternalSourceNotFound) {
				s.metrics.IncExternalError(s.source.Name())
			}
			return err
		}
		external = recs
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Report{}, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		}
		return Report{}, err
	}

	report := Compare(date, internal, external, s.epsilon)
	report.Provisional = provisional
	s.metrics.ObserveReconciliation("success", report.Counts())

	s.logger.Info("reconciliation completed",
		slog.String("date", date),
		slog.Bool("provisional", provisional),
		slog.Int("matched", len(report.Matched)),
		slog.Int("mismatched", len(report.Mismatched)),
		slog.Int("missing_in_external", len(report.MissingInExternal)),
		slog.Int("missing_in_internal", len(report.MissingInInternal)),
		slog.Int("diagnostics", len(report.Diagnostics)),
	)

	if !provisional && s.cache != nil {
		if err := s.cache.Set(ctx, report); err != nil {
			s.logger.Warn("report cache store failed", slog.String("date", date), slog.Any("error", err))
		}
	}
	return report, nil
}
