package scraper

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "dawnarchive/internal/scraper"

type instruments struct {
	sectionFailures    metric.Int64Counter
	precomputeFailures metric.Int64Counter
}

func newInstruments(provider metric.MeterProvider) instruments {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	sectionFailures, _ := meter.Int64Counter(
		"scraper.section_failures",
		metric.WithDescription("Sections recorded as empty because their fetch failed."),
	)
	precomputeFailures, _ := meter.Int64Counter(
		"scraper.precompute_failures",
		metric.WithDescription("Background precomputations that ended in an error."),
	)
	return instruments{sectionFailures: sectionFailures, precomputeFailures: precomputeFailures}
}
