// Package telemetry installs the otel meter provider used by the fetcher and
// the scrape orchestrator.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"dawnarchive/internal/config"
)

// Telemetry owns the meter provider. A manual reader is always attached so
// counters can be read back in process; an OTLP exporter is added when one
// is configured.
type Telemetry struct {
	MeterProvider *sdkmetric.MeterProvider

	reader *sdkmetric.ManualReader
}

// Counter is a cumulative counter total.
type Counter struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Setup builds the meter provider described by cfg.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServiceName
	if name == "" {
		name = "dawn-archive"
	}
	r, err := newResource(name)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(r),
	}
	if cfg.OTLP.Exporting() {
		exporter, err := exporterFromConfig(ctx, cfg.OTLP)
		if err != nil {
			return nil, err
		}
		interval := cfg.ExportInterval.Duration
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
		logger.Info("otlp metrics export enabled", "grpc", cfg.OTLP.GRPCEndpoint, "http", cfg.OTLP.HTTPEndpoint, "interval", interval)
	}

	return &Telemetry{
		MeterProvider: sdkmetric.NewMeterProvider(opts...),
		reader:        reader,
	}, nil
}

func newResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
}

func exporterFromConfig(ctx context.Context, c config.OTLPConfig) (sdkmetric.Exporter, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if c.GRPCEndpoint != "" {
		return otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpointURL(c.GRPCEndpoint),
			otlpmetricgrpc.WithHeaders(c.Headers),
		)
	}
	return otlpmetrichttp.New(
		ctx,
		otlpmetrichttp.WithEndpointURL(c.HTTPEndpoint),
		otlpmetrichttp.WithHeaders(c.Headers),
	)
}

// Counters collects every int64 sum recorded so far, summed across
// attribute sets and sorted by name.
func (t *Telemetry) Counters(ctx context.Context) ([]Counter, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	out := make([]Counter, 0, len(totals))
	for name, value := range totals {
		out = append(out, Counter{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Shutdown flushes pending exports and stops the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.MeterProvider == nil {
		return nil
	}
	err := t.MeterProvider.Shutdown(ctx)
	if errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return nil
	}
	return err
}
