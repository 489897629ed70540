package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StageSpec binds a stage to its retry policy and per-attempt timeout.
// Timeout zero means no deadline; a timed-out attempt fails with
// context.DeadlineExceeded, which DefaultClassify treats as transient.
type StageSpec struct {
	Stage   Stage
	Retry   RetryPolicy
	Timeout time.Duration
}

// SleepFunc waits out a retry backoff delay. It returns early with ctx.Err()
// when the run is cancelled. Tests inject their own to avoid real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs an ordered sequence of stages against one Context per run.
// Stages execute strictly one after another; the executor itself performs no
// I/O and introduces no parallelism. An Executor may be shared by concurrent
// runs: all per-run state lives in the Context and Report.
type Executor struct {
	name  string
	specs []StageSpec
	obs   Observer
	runID string
	sleep SleepFunc
	log   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver attaches run/stage hooks.
func WithObserver(o Observer) Option { return func(e *Executor) { e.obs = o } }

// WithRunID fixes the run identifier instead of generating a UUID per run.
func WithRunID(id string) Option { return func(e *Executor) { e.runID = id } }

// WithSleep replaces the backoff sleep (for tests).
func WithSleep(fn SleepFunc) Option { return func(e *Executor) { e.sleep = fn } }

// WithLogger sets the logger for executor debug output.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.log = l } }

// New builds an executor for the given stages. Construction fails fast on
// misuse: nil stages, empty or duplicate stage names, negative MaxAttempts.
func New(name string, specs []StageSpec, opts ...Option) (*Executor, error) {
	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		if spec.Stage == nil {
			return nil, fmt.Errorf("pipeline %s: stage %d is nil", name, i)
		}
		sn := spec.Stage.Name()
		if sn == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no name", name, i)
		}
		if _, dup := seen[sn]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage name %q", name, sn)
		}
		seen[sn] = struct{}{}
		if spec.Retry.MaxAttempts < 0 {
			return nil, fmt.Errorf("pipeline %s: stage %q: max attempts must be >= 1, got %d", name, sn, spec.Retry.MaxAttempts)
		}
		if spec.Timeout < 0 {
			return nil, fmt.Errorf("pipeline %s: stage %q: negative timeout", name, sn)
		}
	}
	e := &Executor{
		name:  name,
		specs: specs,
		sleep: sleepContext,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e, nil
}

// Name returns the pipeline name.
func (e *Executor) Name() string { return e.name }

// StageCount returns the number of configured stages.
func (e *Executor) StageCount() int { return len(e.specs) }

// Run executes the stages in order against ec (a fresh Context when nil).
// Each stage's output is stored in ec under the stage's name after the stage
// succeeds. The run halts at the first stage whose retries are exhausted and
// at cancellation, which is checked between stages and during backoff waits.
// The returned report is always sealed; the error mirrors the report's
// terminal error and is nil on success.
func (e *Executor) Run(ctx context.Context, ec *Context) (*Report, error) {
	if ec == nil {
		ec = NewContext()
	}
	runID := e.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	report := NewReport(runID, e.name)
	if e.obs != nil {
		e.obs.PipelineStarted(ctx, runID, e.name)
	}

	var runErr error
	for _, spec := range e.specs {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		rec, out, err := e.runStage(ctx, runID, spec, ec)
		if recErr := report.Record(rec); recErr != nil {
			// Unreachable while the run is in flight; Seal happens below.
			runErr = recErr
			break
		}
		if err != nil {
			runErr = err
			break
		}
		ec.Set(spec.Stage.Name(), out)
	}

	report.setErr(runErr)
	_ = report.Seal()
	if e.obs != nil {
		e.obs.PipelineFinished(ctx, runID, report)
	}
	return report, runErr
}

// runStage drives the retry loop for one stage. The stage's output is
// returned to the caller rather than applied here, so every attempt sees the
// pre-stage Context.
func (e *Executor) runStage(ctx context.Context, runID string, spec StageSpec, ec *Context) (StageRecord, any, error) {
	name := spec.Stage.Name()
	start := time.Now()

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		if e.obs != nil {
			e.obs.StageStarted(ctx, runID, name, attempt)
		}
		out, err := e.runAttempt(ctx, spec, ec)
		if err == nil {
			rec := StageRecord{
				Stage:    name,
				Attempts: attempt,
				Duration: time.Since(start),
				Outcome:  OutcomeSuccess,
			}
			if e.obs != nil {
				e.obs.StageFinished(ctx, runID, rec)
			}
			return rec, out, nil
		}
		lastErr = err
		if !spec.Stage.Idempotent() {
			e.log.Debug("stage not idempotent, not retrying", "stage", name)
			break
		}
		if !spec.Retry.ShouldRetry(attempt, err) {
			break
		}
		delay := spec.Retry.DelayBefore(attempt + 1)
		e.log.Debug("retrying stage", "stage", name, "attempt", attempt, "delay", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			// Run cancelled mid-backoff; stop with the stage's own error.
			break
		}
	}

	stageErr := &StageError{Pipeline: e.name, Stage: name, Attempt: attempt, Err: lastErr}
	rec := StageRecord{
		Stage:    name,
		Attempts: attempt,
		Duration: time.Since(start),
		Outcome:  OutcomeFailed,
		Err:      stageErr,
	}
	if e.obs != nil {
		e.obs.StageFinished(ctx, runID, rec)
	}
	return rec, nil, stageErr
}

func (e *Executor) runAttempt(ctx context.Context, spec StageSpec, ec *Context) (any, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	return spec.Stage.Execute(ctx, ec)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
