package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// None of these assert on Sentry transport state (no DSN is configured in
// tests). Apart from the enabled-by-default check, they only assert that a
// disabled or enabled client never panics when driven through its full
// call surface.

func TestNewSentryMetrics_EnabledByDefault(t *testing.T) {
	m := NewSentryMetrics()
	assert.True(t, m.enabled)
}

func TestRecordStageDuration_NoopWhenDisabled(t *testing.T) {
	m := &SentryMetrics{enabled: false}
	assert.NotPanics(t, func() {
		m.RecordStageDuration(context.Background(), "match", 10*time.Millisecond, true)
	})
}

func TestRecordStageDuration_DoesNotPanicWithoutActiveTransaction(t *testing.T) {
	m := NewSentryMetrics()
	assert.NotPanics(t, func() {
		m.RecordStageDuration(context.Background(), "relate", 5*time.Millisecond, false)
	})
}

func TestRecordRetry_DoesNotPanic(t *testing.T) {
	m := NewSentryMetrics()
	assert.NotPanics(t, func() {
		m.RecordRetry("notehead-extraction", 2)
	})
}

func TestRecordBreakerTrip_DoesNotPanic(t *testing.T) {
	m := NewSentryMetrics()
	assert.NotPanics(t, func() {
		m.RecordBreakerTrip("per-note-audio-synthesis")
	})
}

func TestRecordMatchConfidence_EmptyHistogram(t *testing.T) {
	m := NewSentryMetrics()
	assert.NotPanics(t, func() {
		m.RecordMatchConfidence(context.Background(), map[string]int{})
	})
}

func TestRecordMatchConfidence_PopulatedHistogram(t *testing.T) {
	m := NewSentryMetrics()
	assert.NotPanics(t, func() {
		m.RecordMatchConfidence(context.Background(), map[string]int{"1.0": 12, "0.9": 3, "0.8": 1})
	})
}
