package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the instruments shared across the workflow engine, retry
// controller, failover controller, and analytics pipeline, matching the
// teacher's createCommonInstruments pattern but extended to this domain.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TaskRetries       metric.Int64Counter
	TaskFailures      metric.Int64Counter
	Parallelism       metric.Int64UpDownCounter
	RetryAttempts     metric.Int64Counter
	CircuitOpenTotal  metric.Int64Counter
	AnalyticsDropped  metric.Int64Counter
	AnalyticsBatches  metric.Int64Counter
	FailoverElections metric.Int64Counter
	OrphansReassigned metric.Int64Counter
}

// InitMetrics sets up the global OTLP metrics exporter (push) and returns
// the shutdown function plus the shared instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Metrics {
	meter := otel.Meter("flowguard")
	dur, _ := meter.Float64Histogram("flowguard_task_duration_seconds")
	retries, _ := meter.Int64Counter("flowguard_task_retries_total")
	failures, _ := meter.Int64Counter("flowguard_task_failures_total")
	parallelism, _ := meter.Int64UpDownCounter("flowguard_tasks_in_flight")
	retryAttempts, _ := meter.Int64Counter("flowguard_retry_attempts_total")
	circuitOpen, _ := meter.Int64Counter("flowguard_circuit_open_total")
	dropped, _ := meter.Int64Counter("flowguard_analytics_dropped_total")
	batches, _ := meter.Int64Counter("flowguard_analytics_batches_flushed_total")
	elections, _ := meter.Int64Counter("flowguard_failover_elections_total")
	orphans, _ := meter.Int64Counter("flowguard_failover_orphans_reassigned_total")
	return Metrics{
		TaskDuration:      dur,
		TaskRetries:       retries,
		TaskFailures:      failures,
		Parallelism:       parallelism,
		RetryAttempts:     retryAttempts,
		CircuitOpenTotal:  circuitOpen,
		AnalyticsDropped:  dropped,
		AnalyticsBatches:  batches,
		FailoverElections: elections,
		OrphansReassigned: orphans,
	}
}

// NoopMetrics returns an instrument set bound to the global meter provider,
// which records nothing unless InitMetrics has installed one, for unit
// tests that don't need a live OTel pipeline.
func NoopMetrics() Metrics {
	return newInstruments()
}
