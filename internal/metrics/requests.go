package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RequestMetrics records daemon request handling metrics.
//
// Action examples: "auth", "get_secret", "reload". Transport is "local" or
// "remote". Status is the protocol status ("ok") or error code ("AUTH_DENIED").
type RequestMetrics interface {
	// RecordRequest counts one handled request.
	RecordRequest(ctx context.Context, transport, action, status string)

	// RecordDuration records the handling duration of one request.
	// Duration is recorded in seconds as a histogram for percentile calculations.
	RecordDuration(ctx context.Context, transport, action string, duration time.Duration, status string)
}

// requestMetrics implements RequestMetrics using OpenTelemetry metrics.
type requestMetrics struct {
	requestCounter metric.Int64Counter
	durationHisto  metric.Float64Histogram
}

// NewRequestMetrics creates a RequestMetrics implementation using the provided
// meter provider. The namespace prefixes all metric names.
func NewRequestMetrics(meterProvider metric.MeterProvider, namespace string) (RequestMetrics, error) {
	meter := meterProvider.Meter(namespace)

	requestCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_requests_total", namespace),
		metric.WithDescription("Total number of handled requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	durationHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_request_duration_seconds", namespace),
		metric.WithDescription("Duration of request handling in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &requestMetrics{
		requestCounter: requestCounter,
		durationHisto:  durationHisto,
	}, nil
}

// RecordRequest increments the request counter with transport, action, and status labels.
func (r *requestMetrics) RecordRequest(ctx context.Context, transport, action, status string) {
	r.requestCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// RecordDuration records the request duration in seconds with transport, action, and status labels.
func (r *requestMetrics) RecordDuration(
	ctx context.Context,
	transport, action string,
	duration time.Duration,
	status string,
) {
	r.durationHisto.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// NopRequestMetrics returns a RequestMetrics that records nothing. Used when
// metrics are disabled and by tests.
func NopRequestMetrics() RequestMetrics {
	return nopRequestMetrics{}
}

type nopRequestMetrics struct{}

func (nopRequestMetrics) RecordRequest(context.Context, string, string, string) {}
func (nopRequestMetrics) RecordDuration(context.Context, string, string, time.Duration, string) {
}
