package fetcher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "dawnarchive/internal/fetcher"

type instruments struct {
	attempts metric.Int64Counter
	failures metric.Int64Counter
}

func newInstruments(provider metric.MeterProvider) instruments {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	// Instrument errors only occur for invalid names; the API hands back a
	// no-op counter in that case.
	attempts, _ := meter.Int64Counter(
		"fetcher.attempts",
		metric.WithDescription("Page fetch attempts by outcome."),
	)
	failures, _ := meter.Int64Counter(
		"fetcher.failures",
		metric.WithDescription("Page fetches that exhausted their retry budget, by error kind."),
	)
	return instruments{attempts: attempts, failures: failures}
}
