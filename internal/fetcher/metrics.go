package fetcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/remiblancher/ocsp-response-fetch/internal/fetcher"

// Run outcomes reported on ocspfetch.run.total.
const (
	outcomeCacheHit = "cache_hit"
	outcomeGood     = "good"
	outcomeRevoked  = "revoked"
	outcomeFailed   = "failed"
)

type metrics struct {
	runs        metric.Int64Counter
	cacheMisses metric.Int64Counter
	cacheErrors metric.Int64Counter
	issuerFetch metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	m := &metrics{}
	var err error
	if m.runs, err = meter.Int64Counter("ocspfetch.run.total",
		metric.WithDescription("OCSP fetch runs by outcome")); err != nil {
		return nil, fmt.Errorf("fetcher: failed to create otel meter: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("ocspfetch.cache.misses"); err != nil {
		return nil, fmt.Errorf("fetcher: failed to create otel meter: %w", err)
	}
	if m.cacheErrors, err = meter.Int64Counter("ocspfetch.cache.errors"); err != nil {
		return nil, fmt.Errorf("fetcher: failed to create otel meter: %w", err)
	}
	if m.issuerFetch, err = meter.Int64Counter("ocspfetch.issuer.fetches"); err != nil {
		return nil, fmt.Errorf("fetcher: failed to create otel meter: %w", err)
	}
	return m, nil
}

func (m *metrics) run(ctx context.Context, outcome string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) cacheError(ctx context.Context, op string) {
	m.cacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
