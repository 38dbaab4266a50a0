// Package scheduler is the DAG stage scheduler (spec §4.E): a
// single-process cooperative supervisor that runs a ready-queue loop,
// launching eligible stages sequentially or with bounded parallelism,
// subject to dependency completion and artifact-path non-overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Conceptual-Machines/scoresync-go/executor"
	"github.com/Conceptual-Machines/scoresync-go/model"
	"github.com/Conceptual-Machines/scoresync-go/registry"
	"github.com/Conceptual-Machines/scoresync-go/resilience"
	"github.com/Conceptual-Machines/scoresync-go/telemetry"
)

// Stage is one DAG node. In-process stages (such as final-validate) set
// Run; subprocess stages set Executor and leave Run nil.
type Stage struct {
	Name            string
	DependsOn       []string
	Critical        bool // with ContinueOnNonCriticalFailure, a failed non-critical stage doesn't cascade-skip dependents
	ExpectedOutputs []string
	Run             func(ctx context.Context) error
	Executor        *executor.StageSpec
}

// Report is one stage's final disposition, returned in document order
// from RunAll for the end-of-run summary line.
type Report struct {
	Name     string
	Status   model.StageStatus
	Attempts int
	Err      error
}

// Aborted is true when RunAll stopped early because a stage's outcome was
// classified Fatal (spec §4.F). When true the scheduler's own Report list
// should be treated as incomplete: every stage still Pending at that point
// never ran, and a rolled-back registry (if one was wired via
// Options.Registry) reflects the last trustworthy snapshot, not this run.
type RunResult struct {
	Reports  []Report
	Aborted  bool
	FatalErr error
}

// Options configures one scheduler run.
type Options struct {
	MaxWorkers                   int // 1 = sequential
	ContinueOnNonCriticalFailure bool
	ProjectRoot                  string
	Breakers                     *resilience.Registry
	RetryConfig                  resilience.RetryConfig
	Logger                       *logrus.Logger
	// Registry, when set, is rolled back to its last atomic backup
	// snapshot when a stage outcome is classified Fatal (spec §4.F/§7
	// kind 6): a fatal error aborts the whole scheduler, and the
	// manifest state it left behind is untrusted.
	Registry *registry.Registry
	// Progress, when set, receives one Report call per UniversalID a
	// subprocess stage claims to have serviced (executor.Outcome.ServicedIDs),
	// building the per-ID audit trail spec §4.G describes.
	Progress *telemetry.ProgressTable
}

// Scheduler runs a fixed stage DAG to completion. All state mutation
// happens on the single control-loop goroutine inside RunAll; stage
// completions are funneled through a channel, matching the
// single-logical-owner requirement in spec §5.
type Scheduler struct {
	stages map[string]*Stage
	order  []string // declaration order, used for deterministic reporting
	opts   Options
}

// New builds a Scheduler from a stage list. Stage names must be unique.
func New(stages []Stage, opts Options) (*Scheduler, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	s := &Scheduler{stages: map[string]*Stage{}, opts: opts}
	for i := range stages {
		st := stages[i]
		if _, exists := s.stages[st.Name]; exists {
			return nil, fmt.Errorf("scheduler: duplicate stage name %q", st.Name)
		}
		s.stages[st.Name] = &st
		s.order = append(s.order, st.Name)
	}
	for _, st := range s.stages {
		for _, dep := range st.DependsOn {
			if _, ok := s.stages[dep]; !ok {
				return nil, fmt.Errorf("scheduler: stage %q depends on unknown stage %q", st.Name, dep)
			}
		}
	}
	return s, nil
}

type stageState struct {
	status      model.StageStatus
	attempts    int
	err         error
	servicedIDs []string
}

type completion struct {
	name  string
	state stageState
}

// RunAll drains the ready queue to completion (or to a fatal/cancelled
// stop) and returns one Report per declared stage, in declaration order.
// A Fatal stage outcome aborts the entire run (spec §4.F): it cancels
// every in-flight stage, skips everything still pending, and — if
// Options.Registry is set — rolls the manifest back to its last atomic
// backup snapshot (spec §7 kind 6).
func (s *Scheduler) RunAll(ctx context.Context) RunResult {
	states := make(map[string]*stageState, len(s.order))
	for _, name := range s.order {
		states[name] = &stageState{status: model.StagePending}
	}

	completions := make(chan completion)
	running := map[string]bool{}
	var wg sync.WaitGroup

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalErr error

	for {
		// A fatal outcome stops new launches immediately; only the stages
		// already in flight are allowed to drain (spec §4.F).
		if fatalErr == nil {
			launchable := s.readyStages(states, running)
			for _, name := range launchable {
				if len(running) >= s.opts.MaxWorkers {
					break
				}
				if s.overlapsRunning(name, running) {
					continue
				}
				running[name] = true
				states[name].status = model.StageRunning
				wg.Add(1)
				go func(stageName string) {
					defer wg.Done()
					st := states[stageName].attempts
					attempts, servicedIDs, err := s.execute(runCtx, stageName)
					completions <- completion{name: stageName, state: stageState{
						status:      terminalStatus(err),
						attempts:    st + attempts,
						err:         err,
						servicedIDs: servicedIDs,
					}}
				}(name)
			}
		}

		if fatalErr == nil && len(running) == 0 && s.allTerminal(states) {
			break
		}
		if fatalErr == nil && len(running) == 0 && !s.anyReadyOrRunning(states, running) {
			// Nothing running and nothing left to launch: remaining
			// pending stages are unreachable (cascaded skip).
			s.skipUnreachable(states)
			continue
		}

		select {
		case c := <-completions:
			delete(running, c.name)
			states[c.name] = &c.state
			if c.state.status == model.StageFailed {
				if errors.Is(c.state.err, executor.ErrFatal) {
					fatalErr = c.state.err
					if s.opts.Logger != nil {
						s.opts.Logger.WithFields(logrus.Fields{
							"stage": c.name,
							"error": c.state.err.Error(),
						}).Error("fatal stage outcome, aborting scheduler")
					}
					cancel()
				} else {
					s.cascadeOrSkip(c.name, states)
				}
			}
			s.reportProgress(c.name, c.state)
			if s.opts.Logger != nil {
				s.opts.Logger.WithFields(logrus.Fields{
					"stage":    c.name,
					"status":   string(c.state.status),
					"attempts": c.state.attempts,
				}).Info("stage completed")
			}
		case <-runCtx.Done():
			// Keep receiving until every in-flight goroutine has sent its
			// completion; they block on the unbuffered channel otherwise.
			go func() { wg.Wait(); close(completions) }()
			for c := range completions {
				delete(running, c.name)
				states[c.name] = &c.state
				s.reportProgress(c.name, c.state)
			}
			return s.abort(states, fatalErr)
		}
	}

	wg.Wait()
	return RunResult{Reports: s.finalReports(states)}
}

// abort finalizes a fatal-triggered stop: every stage still pending is
// marked skipped, and the wired registry (if any) is rolled back to its
// last atomic backup.
func (s *Scheduler) abort(states map[string]*stageState, fatalErr error) RunResult {
	s.skipUnreachable(states)
	if fatalErr != nil && s.opts.Registry != nil {
		if err := s.opts.Registry.RestoreLastSnapshot(); err != nil {
			if s.opts.Logger != nil {
				s.opts.Logger.WithFields(logrus.Fields{"error": err.Error()}).Error("registry rollback after fatal stage failed")
			}
		}
	}
	return RunResult{Reports: s.finalReports(states), Aborted: true, FatalErr: fatalErr}
}

// reportProgress feeds one stage completion's serviced UniversalIDs into
// the wired progress table, so per-ID per-stage audit trails (spec §4.G)
// reflect subprocess stages as they actually finish rather than only the
// scheduler's own per-stage Report list.
func (s *Scheduler) reportProgress(stageName string, state stageState) {
	if s.opts.Progress == nil {
		return
	}
	for _, id := range state.servicedIDs {
		s.opts.Progress.Report(id, stageName, string(state.status))
	}
}

func terminalStatus(err error) model.StageStatus {
	if err != nil {
		return model.StageFailed
	}
	return model.StageCompleted
}

// readyStages returns pending stages whose dependencies are all completed.
func (s *Scheduler) readyStages(states map[string]*stageState, running map[string]bool) []string {
	var ready []string
	for _, name := range s.order {
		if states[name].status != model.StagePending || running[name] {
			continue
		}
		allDepsOK := true
		for _, dep := range s.stages[name].DependsOn {
			if states[dep].status != model.StageCompleted {
				allDepsOK = false
				break
			}
		}
		if allDepsOK {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	return ready
}

// overlapsRunning checks the candidate's declared outputs against every
// currently running stage's declared outputs for a path prefix collision.
func (s *Scheduler) overlapsRunning(name string, running map[string]bool) bool {
	candidate := s.stages[name].ExpectedOutputs
	for other := range running {
		for _, a := range candidate {
			for _, b := range s.stages[other].ExpectedOutputs {
				if pathsOverlap(a, b) {
					return true
				}
			}
		}
	}
	return false
}

func pathsOverlap(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return a == b || strings.HasPrefix(a+string(filepath.Separator), b+string(filepath.Separator)) || strings.HasPrefix(b+string(filepath.Separator), a+string(filepath.Separator))
}

func (s *Scheduler) allTerminal(states map[string]*stageState) bool {
	for _, name := range s.order {
		switch states[name].status {
		case model.StageCompleted, model.StageFailed, model.StageSkipped:
		default:
			return false
		}
	}
	return true
}

func (s *Scheduler) anyReadyOrRunning(states map[string]*stageState, running map[string]bool) bool {
	if len(running) > 0 {
		return true
	}
	return len(s.readyStages(states, running)) > 0
}

// cascadeOrSkip marks dependents of a failed stage as skipped, unless the
// failed stage is non-critical and ContinueOnNonCriticalFailure is set —
// in that case dependents whose remaining dependencies succeeded may
// still proceed.
func (s *Scheduler) cascadeOrSkip(failedName string, states map[string]*stageState) {
	failed := s.stages[failedName]
	if !failed.Critical && s.opts.ContinueOnNonCriticalFailure {
		return
	}
	var skip func(string)
	skip = func(name string) {
		for _, other := range s.order {
			st := s.stages[other]
			for _, dep := range st.DependsOn {
				if dep == name && states[other].status == model.StagePending {
					states[other].status = model.StageSkipped
					skip(other)
				}
			}
		}
	}
	skip(failedName)
}

func (s *Scheduler) skipUnreachable(states map[string]*stageState) {
	for _, name := range s.order {
		if states[name].status == model.StagePending {
			states[name].status = model.StageSkipped
		}
	}
}

func (s *Scheduler) finalReports(states map[string]*stageState) []Report {
	reports := make([]Report, 0, len(s.order))
	for _, name := range s.order {
		st := states[name]
		reports = append(reports, Report{Name: name, Status: st.status, Attempts: st.attempts, Err: st.err})
	}
	return reports
}

// execute runs one stage to its terminal outcome: in-process Run,
// or a subprocess dispatched through the executor harness under this
// stage's circuit breaker.
func (s *Scheduler) execute(ctx context.Context, name string) (attempts int, servicedIDs []string, err error) {
	stage := s.stages[name]
	if stage.Run != nil {
		return 1, nil, stage.Run(ctx)
	}
	if stage.Executor == nil {
		return 0, nil, fmt.Errorf("scheduler: stage %q has neither Run nor Executor configured", name)
	}

	breaker := s.opts.Breakers.For(name)
	retryCfg := s.opts.RetryConfig
	if onRetry := retryCfg.OnRetry; onRetry != nil {
		retryCfg.OnRetry = func(attempt int, err error) { onRetry(attempt, fmt.Errorf("%s: %w", name, err)) }
	}
	outcome := executor.Run(ctx, *stage.Executor, s.opts.ProjectRoot, breaker, retryCfg)
	if outcome.Classification == executor.Fatal {
		return outcome.Attempts, outcome.ServicedIDs, fmt.Errorf("%w", outcome.Err)
	}
	if outcome.Classification != executor.Success {
		return outcome.Attempts, outcome.ServicedIDs, outcome.Err
	}
	return outcome.Attempts, outcome.ServicedIDs, nil
}
