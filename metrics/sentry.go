package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryMetrics handles custom pipeline metrics reported to Sentry.
type SentryMetrics struct {
	enabled bool
}

// NewSentryMetrics creates a new Sentry metrics client.
func NewSentryMetrics() *SentryMetrics {
	return &SentryMetrics{
		enabled: true, // Always enabled; whether a Sentry client is configured is not checked
	}
}

// RecordStageDuration records a single stage attempt's wall time.
func (m *SentryMetrics) RecordStageDuration(ctx context.Context, stage string, duration time.Duration, success bool) {
	if !m.enabled {
		return
	}

	if transaction := sentry.TransactionFromContext(ctx); transaction != nil {
		transaction.SetTag("stage.name", stage)
		transaction.SetTag("stage.success", fmt.Sprintf("%t", success))
		transaction.SetData("stage.duration_ms", duration.Milliseconds())
	}

	span := sentry.StartSpan(ctx, "stage.execute")
	defer span.Finish()

	span.SetTag("stage", stage)
	span.SetTag("success", fmt.Sprintf("%t", success))
	span.SetData("duration_ms", duration.Milliseconds())

	if success {
		span.Status = sentry.SpanStatusOK
	} else {
		span.Status = sentry.SpanStatusInternalError
	}
	span.Description = fmt.Sprintf("Stage: %s", stage)
}

// RecordRetry records a single retry attempt made by the executor harness.
func (m *SentryMetrics) RecordRetry(stage string, attempt int) {
	if !m.enabled {
		return
	}

	ctx := context.Background()
	span := sentry.StartSpan(ctx, "stage.retry")
	defer span.Finish()

	span.SetTag("stage", stage)
	span.SetData("attempt", attempt)

	span.Status = sentry.SpanStatusOK
	span.Description = fmt.Sprintf("Retry: %s (attempt %d)", stage, attempt)
}

// RecordBreakerTrip records a circuit breaker transitioning to open.
func (m *SentryMetrics) RecordBreakerTrip(executor string) {
	if !m.enabled {
		return
	}

	ctx := context.Background()
	span := sentry.StartSpan(ctx, "resilience.breaker_trip")
	defer span.Finish()

	span.SetTag("executor", executor)
	span.Status = sentry.SpanStatusInternalError
	span.Description = fmt.Sprintf("Circuit breaker opened: %s", executor)
}

// RecordMatchConfidence records the matcher's confidence distribution for
// a completed run.
func (m *SentryMetrics) RecordMatchConfidence(ctx context.Context, histogram map[string]int) {
	if !m.enabled {
		return
	}

	span := sentry.StartSpan(ctx, "match.confidence_histogram")
	defer span.Finish()

	for bucket, count := range histogram {
		span.SetData("bucket_"+bucket, count)
	}
	span.Status = sentry.SpanStatusOK
	span.Description = "Match confidence histogram"
}
