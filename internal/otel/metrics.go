package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const requestMeter = "request-meter"

// RequestMetrics are the instruments the HTTP middleware records into.
type RequestMetrics struct {
	RequestTotal     metrics.Int64Counter
	RequestUriTotal  metrics.Int64Counter
	RequestBodySize  metrics.Float64Counter
	ResponseBodySize metrics.Float64Counter
	RequestDuration  metrics.Float64Histogram
}

type Otel struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *trace.TracerProvider
	Requests       *RequestMetrics
}

// SetupOtel installs the global meter provider backed by the prometheus exporter, and the OTLP tracer
// provider when tracing is enabled.
func SetupOtel(conf config.Tracing) (*Otel, error) {
	o := Otel{}
	res, err := newResource(conf.Name)
	if err != nil {
		return nil, err
	}
	o.meterProvider, err = setupMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(o.meterProvider)
	o.Requests, err = NewRequestMetrics(o.meterProvider.Meter(requestMeter))
	if err != nil {
		return nil, err
	}
	if conf.Enabled {
		o.tracerProvider, err = setupTraceProvider(conf, res)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracer: %w", err)
		}
		otel.SetTracerProvider(o.tracerProvider)
	}
	return &o, nil
}

func (o *Otel) Stop(ctx context.Context) {
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
		o.meterProvider = nil
	}
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
		o.tracerProvider = nil
	}
}

func newResource(appName string) (*resource.Resource, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(appName),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("failed to create otel resource: %w", err)
	}
	return res, nil
}

func setupMeterProvider(res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to set up prometheus exporter: %w", err)
	}
	return metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	), nil
}

func NewRequestMetrics(meter metrics.Meter) (*RequestMetrics, error) {
	m := &RequestMetrics{}
	var errJoin, err error
	m.RequestTotal, err = meter.Int64Counter("zenflow_http_requests", metrics.WithDescription("Total requests to the server"))
	errJoin = errors.Join(errJoin, err)
	m.RequestUriTotal, err = meter.Int64Counter("zenflow_http_route_requests", metrics.WithDescription("Total request per uri"))
	errJoin = errors.Join(errJoin, err)
	m.RequestBodySize, err = meter.Float64Counter("zenflow_http_request_body_size", metrics.WithUnit("By"), metrics.WithDescription("Server received request body size, bytes"))
	errJoin = errors.Join(errJoin, err)
	m.ResponseBodySize, err = meter.Float64Counter("zenflow_http_response_body_size", metrics.WithUnit("By"), metrics.WithDescription("Server send response body size, bytes"))
	errJoin = errors.Join(errJoin, err)
	m.RequestDuration, err = meter.Float64Histogram("zenflow_http_request_duration", metrics.WithUnit("ms"), metrics.WithDescription("Time the server took to handle the request, milliseconds"))
	errJoin = errors.Join(errJoin, err)
	if errJoin != nil {
		return nil, fmt.Errorf("failed to create otel instruments: %w", errJoin)
	}
	return m, nil
}
