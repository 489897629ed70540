package pipeline

import (
	"context"
	"log/slog"
)

// Observer provides pre/post hooks around pipeline and stage execution so you
// can log progress or persist run state (e.g. to a DB). Hooks are invoked by
// the executor on its own goroutine; they must not block for long. Observer
// behavior never affects the run outcome.
type Observer interface {
	PipelineStarted(ctx context.Context, runID, pipeline string)
	PipelineFinished(ctx context.Context, runID string, report *Report)
	StageStarted(ctx context.Context, runID, stage string, attempt int)
	StageFinished(ctx context.Context, runID string, rec StageRecord)
}

// MultiObserver combines observers; each hook fans out in order.
func MultiObserver(obs ...Observer) Observer { return multiObserver(obs) }

type multiObserver []Observer

func (m multiObserver) PipelineStarted(ctx context.Context, runID, pipeline string) {
	for _, o := range m {
		o.PipelineStarted(ctx, runID, pipeline)
	}
}

func (m multiObserver) PipelineFinished(ctx context.Context, runID string, report *Report) {
	for _, o := range m {
		o.PipelineFinished(ctx, runID, report)
	}
}

func (m multiObserver) StageStarted(ctx context.Context, runID, stage string, attempt int) {
	for _, o := range m {
		o.StageStarted(ctx, runID, stage, attempt)
	}
}

func (m multiObserver) StageFinished(ctx context.Context, runID string, rec StageRecord) {
	for _, o := range m {
		o.StageFinished(ctx, runID, rec)
	}
}

// LogObserver logs run progress through slog.
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver returns an observer that logs to logger (slog.Default when
// nil).
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) PipelineStarted(ctx context.Context, runID, pipeline string) {
	o.Logger.InfoContext(ctx, "pipeline started", "run_id", runID, "pipeline", pipeline)
}

func (o *LogObserver) PipelineFinished(ctx context.Context, runID string, report *Report) {
	if report.Failed() {
		o.Logger.ErrorContext(ctx, "pipeline failed",
			"run_id", runID, "pipeline", report.Pipeline(),
			"stages", report.Len(), "error", report.Err())
		return
	}
	o.Logger.InfoContext(ctx, "pipeline finished",
		"run_id", runID, "pipeline", report.Pipeline(), "stages", report.Len())
}

func (o *LogObserver) StageStarted(ctx context.Context, runID, stage string, attempt int) {
	o.Logger.DebugContext(ctx, "stage started", "run_id", runID, "stage", stage, "attempt", attempt)
}

func (o *LogObserver) StageFinished(ctx context.Context, runID string, rec StageRecord) {
	if rec.Outcome == OutcomeFailed {
		o.Logger.WarnContext(ctx, "stage failed",
			"run_id", runID, "stage", rec.Stage,
			"attempts", rec.Attempts, "duration", rec.Duration, "error", rec.Err)
		return
	}
	o.Logger.InfoContext(ctx, "stage finished",
		"run_id", runID, "stage", rec.Stage,
		"attempts", rec.Attempts, "duration", rec.Duration)
}
