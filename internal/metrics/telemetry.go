package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs OTLP HTTP metric and trace providers on the otel globals.
// With enabled false the globals stay as no-ops and the returned shutdown
// does nothing. Endpoint empty means the exporter's standard env/default
// resolution applies.
func Setup(ctx context.Context, enabled bool, endpoint string) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", "mika"))

	var metricOpts []otlpmetrichttp.Option
	var traceOpts []otlptracehttp.Option
	if endpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(endpoint))
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(endpoint))
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, err
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(30*time.Second))),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		if mErr := mp.Shutdown(ctx); mErr != nil {
			return mErr
		}
		return tErr
	}, nil
}
