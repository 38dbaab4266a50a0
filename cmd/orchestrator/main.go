// Command orchestrator runs the full score/performance/engraving
// synchronization pipeline end to end: parse, match, relate, then the
// built-in stage DAG (symbolic lane, audio lane, final validation).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Conceptual-Machines/scoresync-go/config"
	"github.com/Conceptual-Machines/scoresync-go/executor"
	"github.com/Conceptual-Machines/scoresync-go/identity"
	"github.com/Conceptual-Machines/scoresync-go/match"
	"github.com/Conceptual-Machines/scoresync-go/metrics"
	"github.com/Conceptual-Machines/scoresync-go/model"
	"github.com/Conceptual-Machines/scoresync-go/parse/midi"
	"github.com/Conceptual-Machines/scoresync-go/parse/musicxml"
	"github.com/Conceptual-Machines/scoresync-go/registry"
	"github.com/Conceptual-Machines/scoresync-go/relate"
	"github.com/Conceptual-Machines/scoresync-go/resilience"
	"github.com/Conceptual-Machines/scoresync-go/scheduler"
	"github.com/Conceptual-Machines/scoresync-go/telemetry"
	"github.com/Conceptual-Machines/scoresync-go/validate"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  Warning: Could not load .env file: %v", err)
		log.Println("   Continuing with environment variables...")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("❌ ERROR: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("❌ run failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	start := time.Now()

	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("🎼 scoresync orchestrator starting\n")
	fmt.Printf("   score:       %s\n", cfg.ScorePath)
	fmt.Printf("   performance: %s\n", cfg.PerformancePath)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	notes, err := musicxml.ParseFile(cfg.ScorePath)
	if err != nil {
		return fmt.Errorf("parse score: %w", err)
	}
	perf, err := midi.ParseFile(cfg.PerformancePath)
	if err != nil {
		return fmt.Errorf("parse performance: %w", err)
	}
	log.Printf("📖 parsed %d score notes, %d performance events, %d pedal events", len(notes), len(perf.Events), len(perf.Pedal))

	gen := identity.NewGenerator()
	reg := registry.New(cfg.RunRoot)

	matchStart := time.Now()
	mr := match.Match(notes, perf.Events, gen, match.Options{TWindow: cfg.TWindow, TempoMap: perf.TempoMap})
	for _, e := range mr.Entries {
		reg.Register(e)
	}
	if err := reg.Persist("v1"); err != nil {
		return fmt.Errorf("persist registry v1: %w", err)
	}
	log.Printf("✅ match stage done in %v: %d entries", time.Since(matchStart), len(mr.Entries))

	relStart := time.Now()
	rr := relate.Process(mr, notes, perf.Pedal, gen)
	for _, g := range rr.TiedGroups {
		reg.RegisterGroup(g)
	}
	for _, g := range rr.OrnamentGroups {
		reg.RegisterOrnamentGroup(g)
	}
	for _, e := range rr.Entries {
		reg.Register(e)
	}
	if err := reg.Persist("v2"); err != nil {
		return fmt.Errorf("persist registry v2: %w", err)
	}
	log.Printf("✅ relationship stage done in %v: %d tied groups, %d ornament groups", time.Since(relStart), len(rr.TiedGroups), len(rr.OrnamentGroups))

	tel, err := telemetry.NewNDJSON(cfg.RunRoot)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	tel.WithFields(map[string]interface{}{"stage": "relationship", "entries": len(rr.Entries)}).Info("registry v2 persisted")

	sentryMetrics := metrics.NewSentryMetrics()

	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		Logger:           tel.Logger,
		OnTrip:           sentryMetrics.RecordBreakerTrip,
	})

	progress := telemetry.NewProgressTable(len(rr.Entries))

	stages := buildLaneStages(cfg, reg)
	sched, err := scheduler.New(stages, scheduler.Options{
		MaxWorkers:                   cfg.MaxWorkers,
		ContinueOnNonCriticalFailure: cfg.ContinueOnNonCriticalFailure,
		ProjectRoot:                  ".",
		Breakers:                     breakers,
		Registry:                     reg,
		Progress:                     progress,
		RetryConfig: resilience.RetryConfig{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: time.Second,
			Multiplier:   2,
			Jitter:       0.2,
			OnRetry: func(attempt int, err error) {
				stageName, reason, ok := strings.Cut(err.Error(), ": ")
				if !ok {
					stageName = "stage"
				}
				sentryMetrics.RecordRetry(stageName, attempt)
				log.Printf("🔁 retrying %s after transient failure (attempt %d): %s", stageName, attempt, reason)
			},
		},
		Logger: tel.Logger,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	runResult := sched.RunAll(ctx)
	for _, r := range runResult.Reports {
		success := r.Status == model.StageCompleted
		sentryMetrics.RecordStageDuration(ctx, r.Name, 0, success)
		if !success && r.Err != nil {
			log.Printf("⚠️  stage %s: %s (%v)", r.Name, r.Status, r.Err)
		}
	}
	if runResult.Aborted {
		return fmt.Errorf("scheduler aborted: %w", runResult.FatalErr)
	}
	log.Printf("📊 progress: %.1f%% of entries serviced, per-stage completions: %v", progress.PercentComplete(), progress.StageCounts())

	report := validate.Run(reg)
	sentryMetrics.RecordMatchConfidence(ctx, report.ConfidenceHistogram)
	if err := reg.Persist("v3"); err != nil {
		return fmt.Errorf("persist registry v3: %w", err)
	}

	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("matched=%d unmatched=%d tied_groups=%d ornament_groups=%d\n", len(rr.Entries), len(mr.UnmatchedNotes), len(rr.TiedGroups), len(rr.OrnamentGroups))
	fmt.Printf("integrity_errors=%d warnings=%d wall_time=%v\n", len(report.Errors), len(report.Warnings), time.Since(start))
	if report.Successful {
		fmt.Printf("✅ run succeeded\n")
	} else {
		fmt.Printf("❌ run failed integrity validation\n")
	}
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	if !report.Successful {
		os.Exit(1)
	}
	return nil
}

// buildLaneStages declares the built-in DAG from spec §4.E. The lane
// executables are external worker contracts (spec's explicit scope
// boundary): this orchestrator only renders their CLI invocation and
// verifies declared outputs, never their internal algorithms.
func buildLaneStages(cfg *config.Config, reg *registry.Registry) []scheduler.Stage {
	artifacts := filepath.Join(cfg.RunRoot, "artifacts")
	registryPath := filepath.Join(cfg.RunRoot, "registry.json")
	retryPattern := regexp.MustCompile(`(?i)timeout|temporarily unavailable|connection reset`)

	symbolicOutDir := filepath.Join(artifacts, "symbolic")
	audioOutDir := filepath.Join(artifacts, "audio")

	newExecStage := func(name string, deps []string, critical bool, exe string, args []string, withRegistry bool, outputs []string) scheduler.Stage {
		finalArgs := append([]string(nil), args...)
		if withRegistry {
			finalArgs = append(finalArgs, "--registry", registryPath)
		}
		return scheduler.Stage{
			Name:            name,
			DependsOn:       deps,
			Critical:        critical,
			ExpectedOutputs: outputs,
			Executor: &executor.StageSpec{
				Name:            name,
				Executable:      exe,
				Args:            finalArgs,
				OutputDir:       outputs0(outputs),
				ExpectedOutputs: outputs,
				Timeout:         2 * time.Minute,
				RetryPattern:    retryPattern,
				MaxRetries:      2,
			},
		}
	}

	return []scheduler.Stage{
		newExecStage("notehead-extraction", nil, true, "tools/notehead-extract", []string{cfg.SVGPath, "--output-dir", symbolicOutDir}, false, []string{filepath.Join(symbolicOutDir, "noteheads.json")}),
		newExecStage("notehead-subtraction", []string{"notehead-extraction"}, true, "tools/notehead-subtract", []string{cfg.SVGPath, "--output-dir", symbolicOutDir}, false, []string{filepath.Join(symbolicOutDir, "subtracted.svg")}),
		newExecStage("instrument-separation", []string{"notehead-subtraction"}, true, "tools/instrument-separate", []string{cfg.SVGPath, "--output-dir", symbolicOutDir}, false, []string{filepath.Join(symbolicOutDir, "instruments.json")}),
		newExecStage("individual-notehead-generation", []string{"instrument-separation"}, true, "tools/notehead-generate", []string{"--output-dir", symbolicOutDir}, true, []string{filepath.Join(symbolicOutDir, "generated.json")}),
		newExecStage("staff-barline-extraction", []string{"notehead-subtraction"}, false, "tools/staff-extract", []string{cfg.SVGPath, "--output-dir", symbolicOutDir}, false, []string{filepath.Join(symbolicOutDir, "staff.json")}),

		newExecStage("per-note-midi-split", nil, true, "tools/midi-split", []string{cfg.PerformancePath, "--output-dir", audioOutDir}, true, []string{filepath.Join(audioOutDir, "split.json")}),
		newExecStage("per-note-audio-synthesis", []string{"per-note-midi-split"}, true, "tools/synthesize", []string{"--output-dir", audioOutDir, "--mode", "standard"}, true, []string{filepath.Join(audioOutDir, "rendered.json")}),
		newExecStage("per-note-keyframe-generation", []string{"per-note-audio-synthesis"}, true, "tools/keyframe-gen", []string{"--output-dir", audioOutDir}, true, []string{filepath.Join(audioOutDir, "keyframes.json")}),

		{
			Name:      "final-validate",
			DependsOn: []string{"individual-notehead-generation", "staff-barline-extraction", "per-note-keyframe-generation"},
			Critical:  true,
			Run: func(ctx context.Context) error {
				r := validate.Run(reg)
				if !r.Successful {
					return fmt.Errorf("final validation found %d integrity errors", len(r.Errors))
				}
				return nil
			},
		},
	}
}

func outputs0(outputs []string) string {
	if len(outputs) == 0 {
		return "."
	}
	return filepath.Dir(outputs[0])
}
