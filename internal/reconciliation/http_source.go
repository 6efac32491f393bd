package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/congo-pay/walletrecon/internal/resilience"
)

const maxExternalBody = 64 << 20

// HTTPSource fetches external records from a settlement service:
//
//	GET {baseURL}/external-records?date=YYYY-MM-DD
//
// answering with a JSON array of records. 404 means no record set exists.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   resilience.Config
}

// NewHTTPSource builds an HTTP source guarded by a circuit breaker and retry
// with backoff.
func NewHTTPSource(baseURL string, timeout time.Duration, retry resilience.Config) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("external-records", func(err error) bool {
			return err == nil || errors.Is(err, ErrExternalSourceNotFound)
		}),
		retry: retry,
	}
}

// Name identifies the source in logs and metrics.
func (s *HTTPSource) Name() string { return "http" }

// Fetch downloads the records for date.
func (s *HTTPSource) Fetch(ctx context.Context, date string) ([]ExternalRecord, error) {
	ctx, span := tracer.Start(ctx, "reconciliation.HTTPSource.Fetch",
		trace.WithAttributes(attribute.String("report.date", date)))
	defer span.End()

	result, err := s.breaker.Execute(func() (any, error) {
		var records []ExternalRecord
		err := resilience.RetryWithBackoff(ctx, s.retry, func() error {
			recs, err := s.get(ctx, date)
			if err != nil {
				return err
			}
			records = recs
			return nil
		})
		return records, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, ErrExternalSourceNotFound), errors.Is(err, ErrExternalSourceUnavailable):
			return nil, err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, fmt.Errorf("%w: circuit open", ErrExternalSourceUnavailable)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrExternalSourceUnavailable, err)
		}
	}

	records := result.([]ExternalRecord)
	span.SetAttributes(attribute.Int("records.count", len(records)))
	return records, nil
}

func (s *HTTPSource) get(ctx context.Context, date string) ([]ExternalRecord, error) {
	endpoint := s.baseURL + "/external-records?date=" + url.QueryEscape(date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("%w: build request: %v", ErrExternalSourceUnavailable, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, resilience.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrExternalSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, resilience.Permanent(fmt.Errorf("%w: %s", ErrExternalSourceNotFound, date))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrExternalSourceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, resilience.Permanent(fmt.Errorf("%w: status %d", ErrExternalSourceUnavailable, resp.StatusCode))
	}

	var records []ExternalRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxExternalBody)).Decode(&records); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("%w: %w: %v", ErrExternalSourceUnavailable, ErrMalformedRecord, err))
	}

	out := make([]ExternalRecord, 0, len(records))
	for i, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			return nil, resilience.Permanent(fmt.Errorf("%w: %w: record %d has no transaction id", ErrExternalSourceUnavailable, ErrMalformedRecord, i))
		}
		if rec.Date != "" && rec.Date != date {
			continue
		}
		if rec.Date == "" {
			rec.Date = date
		}
		out = append(out, rec)
	}
	return out, nil
}
