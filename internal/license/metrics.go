package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Unlock method labels for metrics.
const (
	MethodKeyFile = "key_file"
	MethodServer  = "server"
)

// Metrics records unlock attempt outcomes with OpenTelemetry instruments.
// A nil *Metrics is valid and records nothing, so the core never needs to
// branch on whether observability is wired.
type Metrics struct {
	attempts metric.Int64Counter
	unlocks  metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates the unlock instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.attempts, err = meter.Int64Counter("license_unlock_attempts_total",
		metric.WithDescription("Total unlock attempts by method"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	m.unlocks, err = meter.Int64Counter("license_unlocks_total",
		metric.WithDescription("Successful unlocks by method"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unlocks counter: %w", err)
	}

	m.failures, err = meter.Int64Counter("license_unlock_failures_total",
		metric.WithDescription("Failed unlock attempts by method and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}

	m.duration, err = meter.Float64Histogram("license_unlock_duration_seconds",
		metric.WithDescription("Unlock attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return m, nil
}

// RecordAttempt records one unlock attempt outcome. Safe on a nil receiver.
func (m *Metrics) RecordAttempt(ctx context.Context, method string, succeeded bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}

	methodAttr := attribute.String("method", method)
	m.attempts.Add(ctx, 1, metric.WithAttributes(methodAttr))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(methodAttr))

	if succeeded {
		m.unlocks.Add(ctx, 1, metric.WithAttributes(methodAttr))
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		methodAttr,
		attribute.String("reason", reason),
	))
}
