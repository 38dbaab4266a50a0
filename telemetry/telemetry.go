// Package telemetry is the progress-and-telemetry component (spec §4.G):
// an in-memory progress table keyed by UniversalID, and a structured
// newline-delimited log stream with no lossy aggregation. The logger
// wrapper mirrors the service layer's pkg/logger.Logger shape.
package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps *logrus.Logger configured for newline-delimited JSON
// output, one record per stage event — the structured counterpart to the
// orchestrator's casual stdlib-log informational messages.
type Logger struct {
	*logrus.Logger
}

// NewNDJSON creates a Logger that writes JSON records to both stdout and
// {runRoot}/logs/telemetry.ndjson.
func NewNDJSON(runRoot string) (*Logger, error) {
	logDir := filepath.Join(runRoot, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "telemetry.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(io.MultiWriter(os.Stdout, file))
	logger.SetLevel(logrus.InfoLevel)

	return &Logger{Logger: logger}, nil
}

// WithFields returns a log entry carrying structured fields, same
// convenience surface as the service-layer logger wrapper.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// IDStatus is one UniversalID's per-stage audit trail entry.
type IDStatus struct {
	Stage  string
	Status string // "pending" | "running" | "completed" | "failed" | "skipped"
}

// ProgressTable is the single in-memory per-ID, per-stage status tracker
// every executor reports into on completion.
type ProgressTable struct {
	mu      sync.Mutex
	byID    map[string][]IDStatus
	stages  map[string]int // stage name -> count of IDs marked completed
	total   int
}

// NewProgressTable creates an empty table expected to service `total` IDs.
func NewProgressTable(total int) *ProgressTable {
	return &ProgressTable{byID: map[string][]IDStatus{}, stages: map[string]int{}, total: total}
}

// Report records one UniversalID's status for a stage.
func (t *ProgressTable) Report(id, stage, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[id] = append(t.byID[id], IDStatus{Stage: stage, Status: status})
	if status == "completed" {
		t.stages[stage]++
	}
}

// PercentComplete returns overall completion across the declared total
// ID count, measured by at-least-one "completed" report per ID.
func (t *ProgressTable) PercentComplete() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 100.0
	}
	done := 0
	for _, statuses := range t.byID {
		for _, s := range statuses {
			if s.Status == "completed" {
				done++
				break
			}
		}
	}
	return 100.0 * float64(done) / float64(t.total)
}

// StageCounts returns the number of IDs each stage has completed so far.
func (t *ProgressTable) StageCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.stages))
	for k, v := range t.stages {
		out[k] = v
	}
	return out
}

// AuditTrail returns the full per-stage history for one UniversalID.
func (t *ProgressTable) AuditTrail(id string) []IDStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]IDStatus(nil), t.byID[id]...)
}
