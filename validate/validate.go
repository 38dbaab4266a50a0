// Package validate is the final validator (spec §4.I): confirms
// end-to-end registry integrity across every produced artifact and
// reports a confidence histogram plus fallback-match warnings.
package validate

import (
	"fmt"
	"sort"

	"github.com/Conceptual-Machines/scoresync-go/model"
	"github.com/Conceptual-Machines/scoresync-go/registry"
)

// Report is the validator's output: hard integrity errors (any of which
// fails the run), soft warnings (which do not), and a confidence
// histogram bucketed to one decimal place.
type Report struct {
	Errors              []error
	Warnings            []string
	ConfidenceHistogram map[string]int
	Successful          bool
}

// Run executes the full validator contract against a registry snapshot.
func Run(reg *registry.Registry) Report {
	snapshot := reg.Snapshot()

	var report Report
	report.Errors = append(report.Errors, reg.ValidateIntegrity()...)
	report.Errors = append(report.Errors, checkStageCompleteness(snapshot)...)

	report.ConfidenceHistogram = histogram(snapshot.Entries)
	report.Warnings = append(report.Warnings, fallbackWarnings(snapshot.Entries)...)

	report.Successful = len(report.Errors) == 0
	return report
}

// checkStageCompleteness verifies every entry has a manifest row for
// every stage that produced output for at least one other entry — the
// expected stage set isn't declared anywhere independently, so it's
// derived as the union of stage names actually seen across all entries'
// manifest rows. An entry missing a row for a stage that every sibling
// entry has is the signature of a stage that silently skipped it
// (partial coverage), not just a stage that never ran at all.
func checkStageCompleteness(m model.Manifest) []error {
	expected := map[string]bool{}
	for _, stages := range m.Manifests {
		for stage := range stages {
			expected[stage] = true
		}
	}
	if len(expected) == 0 {
		return nil
	}

	var errs []error
	for _, e := range m.Entries {
		actual := m.Manifests[e.UniversalID]
		var missing []string
		for stage := range expected {
			if _, ok := actual[stage]; !ok {
				missing = append(missing, stage)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			errs = append(errs, fmt.Errorf("entry %s missing manifest rows for stage(s) %v", e.UniversalID, missing))
		}
	}
	return errs
}

func histogram(entries []model.RegistryEntry) map[string]int {
	buckets := map[string]int{}
	for _, e := range entries {
		bucket := fmt.Sprintf("%.1f", roundToTenth(e.Confidence))
		buckets[bucket]++
	}
	return buckets
}

func roundToTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func fallbackWarnings(entries []model.RegistryEntry) []string {
	var warnings []string
	for _, e := range entries {
		if e.Method == model.MatchFallback {
			warnings = append(warnings, fmt.Sprintf("entry %s matched via fallback (confidence %.2f); flagged for operator review", e.UniversalID, e.Confidence))
		}
	}
	return warnings
}
