package pipeline

import (
	"errors"
	"time"
)

// Outcome is the result of one stage or run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ErrReportSealed is returned by Record and Seal once a report has been
// sealed. It signals a programming error, never a stage failure.
var ErrReportSealed = errors.New("pipeline: run report is sealed")

// StageRecord is the report entry for one invoked stage.
type StageRecord struct {
	Stage    string
	Attempts int
	Duration time.Duration
	Outcome  Outcome
	Err      error
}

// Report is the record of one pipeline run: one StageRecord per invoked
// stage, in execution order, plus the terminal error when the run failed.
// It is append-only while the run is in flight and immutable after Seal.
type Report struct {
	runID      string
	pipeline   string
	startedAt  time.Time
	finishedAt time.Time
	records    []StageRecord
	err        error
	sealed     bool
}

// NewReport returns an open report for one run.
func NewReport(runID, pipeline string) *Report {
	return &Report{runID: runID, pipeline: pipeline, startedAt: time.Now()}
}

// Record appends a stage record. Returns ErrReportSealed after Seal.
func (r *Report) Record(rec StageRecord) error {
	if r.sealed {
		return ErrReportSealed
	}
	r.records = append(r.records, rec)
	return nil
}

// Seal freezes the report. Further Record and Seal calls return
// ErrReportSealed.
func (r *Report) Seal() error {
	if r.sealed {
		return ErrReportSealed
	}
	r.sealed = true
	r.finishedAt = time.Now()
	return nil
}

// Sealed reports whether the run has ended.
func (r *Report) Sealed() bool { return r.sealed }

// RunID returns the run identifier.
func (r *Report) RunID() string { return r.runID }

// Pipeline returns the pipeline name.
func (r *Report) Pipeline() string { return r.pipeline }

// StartedAt returns when the run began.
func (r *Report) StartedAt() time.Time { return r.startedAt }

// FinishedAt returns when the report was sealed (zero while in flight).
func (r *Report) FinishedAt() time.Time { return r.finishedAt }

// Len returns the number of stage records.
func (r *Report) Len() int { return len(r.records) }

// Records returns a copy of the stage records in execution order.
func (r *Report) Records() []StageRecord {
	out := make([]StageRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Lookup returns the record for the named stage.
func (r *Report) Lookup(stage string) (StageRecord, bool) {
	for _, rec := range r.records {
		if rec.Stage == stage {
			return rec, true
		}
	}
	return StageRecord{}, false
}

// Err returns the terminal error of the run, nil on success.
func (r *Report) Err() error { return r.err }

// Failed reports whether the run ended in failure.
func (r *Report) Failed() bool { return r.err != nil }

// Outcome returns the run-level outcome.
func (r *Report) Outcome() Outcome {
	if r.err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}

func (r *Report) setErr(err error) {
	if !r.sealed {
		r.err = err
	}
}
