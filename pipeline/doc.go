// Package pipeline provides a sequential stage executor for data-to-report
// runs. An Executor runs named stages front-to-back against one Context: each
// stage reads the outputs of the stages before it and produces its own output,
// which the executor stores under the stage's name once the attempt succeeds.
//
// Failures are classified as transient or permanent. A per-stage RetryPolicy
// decides whether a failed attempt is retried, and how long to wait before the
// next one; the retried attempt always sees the same Context as the first,
// because a stage's output is only applied after success. When retries are
// exhausted (or the error is permanent, or the stage is not idempotent) the
// run short-circuits: later stages are never invoked.
//
// Every run produces a Report: one record per invoked stage with attempt
// count, duration, outcome, and the terminal error if the run failed. The
// report is append-only while the run is in flight and sealed when it ends;
// recording into a sealed report is a programmer error.
//
// Optional pre/post hooks (Observer) let you log or persist run progress:
// see LogObserver for slog output and the store package for Postgres
// persistence. An Executor is safe to share: each Run owns its own Context
// and Report, so independent runs may execute concurrently.
package pipeline
