package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName identifies rowguard's OpenTelemetry instruments, mirrored
// alongside the Prometheus registry in Metrics for deployments that
// collect metrics through an OTel pipeline instead of scraping /metrics.
const MeterName = "github.com/rowguard/rowguard"

// OTelInstruments holds the handful of OpenTelemetry counters recorded in
// parallel with their Prometheus equivalents in Metrics.
type OTelInstruments struct {
	StatementsTotal metric.Int64Counter
}

// InitOTelMetrics installs a global MeterProvider according to exporter
// ("stdout" or "none") and returns the instruments plus a shutdown func.
// It shares InitTracing's exporter vocabulary since both are driven by the
// same TracingConfig.Exporter setting (§10.4).
func InitOTelMetrics(ctx context.Context, serviceName, exporter string) (*OTelInstruments, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if exporter == "" || exporter == "none" {
		meter := otel.GetMeterProvider().Meter(MeterName)
		instruments, err := newOTelInstruments(meter)
		return instruments, noop, err
	}
	if exporter != "stdout" {
		return nil, noop, fmt.Errorf("observability: unknown metrics exporter %q", exporter)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, noop, fmt.Errorf("observability: build stdout metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, noop, fmt.Errorf("observability: build resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	instruments, err := newOTelInstruments(provider.Meter(MeterName))
	if err != nil {
		return nil, noop, err
	}
	return instruments, provider.Shutdown, nil
}

func newOTelInstruments(meter metric.Meter) (*OTelInstruments, error) {
	statementsTotal, err := meter.Int64Counter(
		"rowguard.statements_total",
		metric.WithDescription("Total number of SQL statements evaluated by the rewriter."),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build statements_total instrument: %w", err)
	}
	return &OTelInstruments{StatementsTotal: statementsTotal}, nil
}
