package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// failNTimes returns a stage that fails with err for the first n invocations,
// then succeeds with value. calls counts total invocations.
func failNTimes(name string, n int, err error, value any, calls *int) Stage {
	return NewStage(name, func(ctx context.Context, ec *Context) (any, error) {
		*calls++
		if *calls <= n {
			return nil, err
		}
		return value, nil
	})
}

func TestRun_AllSucceed_RecordsInOrder(t *testing.T) {
	specs := []StageSpec{
		{Stage: Constant("a", 1)},
		{Stage: Constant("b", 2)},
		{Stage: Constant("c", 3)},
	}
	e, err := New("ok", specs)
	if err != nil {
		t.Fatal(err)
	}
	ec := NewContext()
	report, err := e.Run(context.Background(), ec)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed() {
		t.Error("report should not be failed")
	}
	if report.Len() != 3 {
		t.Fatalf("records: got %d, want 3", report.Len())
	}
	for i, want := range []string{"a", "b", "c"} {
		rec := report.Records()[i]
		if rec.Stage != want {
			t.Errorf("record %d: got stage %q, want %q", i, rec.Stage, want)
		}
		if rec.Attempts != 1 || rec.Outcome != OutcomeSuccess {
			t.Errorf("record %d: got attempts=%d outcome=%s", i, rec.Attempts, rec.Outcome)
		}
	}
	for _, key := range []string{"a", "b", "c"} {
		if !ec.Has(key) {
			t.Errorf("context missing output key %q", key)
		}
	}
}

func TestRun_TransientFailure_InvokedExactlyMaxAttempts(t *testing.T) {
	const k = 4
	calls := 0
	always := NewStage("flaky", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		return nil, Transient(errors.New("blip"))
	})
	e, err := New("exhaust", []StageSpec{
		{Stage: always, Retry: RetryPolicy{MaxAttempts: k}},
	}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	report, err := e.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if calls != k {
		t.Errorf("invocations: got %d, want %d", calls, k)
	}
	rec, ok := report.Lookup("flaky")
	if !ok {
		t.Fatal("missing record for flaky")
	}
	if rec.Attempts != k || rec.Outcome != OutcomeFailed {
		t.Errorf("record: attempts=%d outcome=%s", rec.Attempts, rec.Outcome)
	}
}

func TestRun_PermanentFailure_SingleInvocation(t *testing.T) {
	calls := 0
	bad := NewStage("bad", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		return nil, Permanent(errors.New("malformed input"))
	})
	e, err := New("perm", []StageSpec{
		{Stage: bad, Retry: RetryPolicy{MaxAttempts: 5}},
	}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if calls != 1 {
		t.Errorf("invocations: got %d, want 1", calls)
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if se.Stage != "bad" || se.Attempt != 1 {
		t.Errorf("StageError: stage=%q attempt=%d", se.Stage, se.Attempt)
	}
	if !IsPermanent(err) {
		t.Error("terminal error should carry the permanent mark")
	}
}

func TestRun_ShortCircuit_LaterStagesNeverInvoked(t *testing.T) {
	ranLater := false
	fail := NewStage("boom", func(ctx context.Context, ec *Context) (any, error) {
		return nil, errors.New("boom")
	})
	later := NewStage("later", func(ctx context.Context, ec *Context) (any, error) {
		ranLater = true
		return nil, nil
	})
	e, err := New("short", []StageSpec{{Stage: fail}, {Stage: later}}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	report, err := e.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if ranLater {
		t.Error("stage after failure must not run")
	}
	if report.Len() != 1 {
		t.Errorf("records: got %d, want 1 (up to and including the failing stage)", report.Len())
	}
}

func TestRun_NonIdempotentStage_NeverRetried(t *testing.T) {
	calls := 0
	writer := NonIdempotent(NewStage("writer", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		return nil, Transient(errors.New("io blip"))
	}))
	e, err := New("oneshot", []StageSpec{
		{Stage: writer, Retry: RetryPolicy{MaxAttempts: 10}},
	}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if calls != 1 {
		t.Errorf("invocations: got %d, want 1", calls)
	}
}

func TestRun_RetrySeesPreMutationContext(t *testing.T) {
	calls := 0
	stage := NewStage("second", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		if ec.Len() != 1 {
			t.Errorf("attempt %d: context has %d keys, want 1", calls, ec.Len())
		}
		if calls == 1 {
			return nil, Transient(errors.New("blip"))
		}
		return "done", nil
	})
	e, err := New("snapshot", []StageSpec{
		{Stage: Constant("first", "x")},
		{Stage: stage, Retry: RetryPolicy{MaxAttempts: 2}},
	}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	ec := NewContext()
	if _, err := e.Run(context.Background(), ec); err != nil {
		t.Fatal(err)
	}
	if v, _ := Value[string](ec, "second"); v != "done" {
		t.Errorf("second output: got %q", v)
	}
}

func TestRun_CancellationBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ranSecond := false
	first := NewStage("first", func(ctx context.Context, ec *Context) (any, error) {
		cancel() // request cancellation while stage one is in flight
		return 1, nil
	})
	second := NewStage("second", func(ctx context.Context, ec *Context) (any, error) {
		ranSecond = true
		return 2, nil
	})
	e, err := New("cancel", []StageSpec{{Stage: first}, {Stage: second}})
	if err != nil {
		t.Fatal(err)
	}
	report, err := e.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ranSecond {
		t.Error("stage after cancellation must not run")
	}
	if report.Len() != 1 {
		t.Errorf("records: got %d, want 1 (only completed stages)", report.Len())
	}
	if !report.Sealed() || !report.Failed() {
		t.Error("report should be sealed and failed")
	}
}

func TestRun_CancellationDuringBackoffWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	flaky := NewStage("flaky", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		cancel()
		return nil, Transient(errors.New("blip"))
	})
	e, err := New("cancel-wait", []StageSpec{
		{Stage: flaky, Retry: RetryPolicy{MaxAttempts: 5, Backoff: []time.Duration{time.Hour}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = e.Run(ctx, nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if calls != 1 {
		t.Errorf("invocations: got %d, want 1 (no retry after cancel)", calls)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run should abort promptly, took %v", elapsed)
	}
}

func TestRun_StageTimeout_RetriedAsTransient(t *testing.T) {
	calls := 0
	slow := NewStage("slow", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "fast now", nil
	})
	e, err := New("timeout", []StageSpec{
		{Stage: slow, Retry: RetryPolicy{MaxAttempts: 2}, Timeout: 10 * time.Millisecond},
	}, WithSleep(noSleep))
	if err != nil {
		t.Fatal(err)
	}
	ec := NewContext()
	report, err := e.Run(context.Background(), ec)
	if err != nil {
		t.Fatalf("run should recover after timeout: %v", err)
	}
	rec, _ := report.Lookup("slow")
	if rec.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", rec.Attempts)
	}
}

func TestRun_BackoffScheduleHonored(t *testing.T) {
	var slept []time.Duration
	record := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	calls := 0
	flaky := NewStage("flaky", func(ctx context.Context, ec *Context) (any, error) {
		calls++
		return nil, Transient(errors.New("blip"))
	})
	e, err := New("backoff", []StageSpec{
		{Stage: flaky, Retry: RetryPolicy{
			MaxAttempts: 5,
			Backoff:     []time.Duration{time.Second, 2 * time.Second},
		}},
	}, WithSleep(record))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = e.Run(context.Background(), nil)
	want := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("sleeps: got %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d: got %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRun_FixedRunID(t *testing.T) {
	var seen string
	obs := &hookObserver{
		pipelineStarted: func(ctx context.Context, runID, name string) { seen = runID },
	}
	e, err := New("id", []StageSpec{{Stage: Constant("one", 1)}},
		WithRunID("run-42"), WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if seen != "run-42" {
		t.Errorf("run id: got %q, want run-42", seen)
	}
}

func TestRun_GeneratedRunID(t *testing.T) {
	var seen string
	obs := &hookObserver{
		pipelineStarted: func(ctx context.Context, runID, name string) { seen = runID },
	}
	e, err := New("id", []StageSpec{{Stage: Constant("one", 1)}}, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if seen == "" {
		t.Error("expected a generated run id")
	}
}

func TestRun_ObserverHookOrder(t *testing.T) {
	var order []string
	obs := &hookObserver{
		pipelineStarted: func(ctx context.Context, runID, name string) {
			order = append(order, "PipelineStarted:"+name)
		},
		pipelineFinished: func(ctx context.Context, runID string, report *Report) {
			order = append(order, "PipelineFinished")
		},
		stageStarted: func(ctx context.Context, runID, stage string, attempt int) {
			order = append(order, fmt.Sprintf("StageStarted:%s:%d", stage, attempt))
		},
		stageFinished: func(ctx context.Context, runID string, rec StageRecord) {
			order = append(order, "StageFinished:"+rec.Stage)
		},
	}
	e, err := New("observed", []StageSpec{
		{Stage: Constant("a", 1)},
		{Stage: Constant("b", 2)},
	}, WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"PipelineStarted:observed",
		"StageStarted:a:1", "StageFinished:a",
		"StageStarted:b:1", "StageFinished:b",
		"PipelineFinished",
	}
	if len(order) != len(want) {
		t.Fatalf("hooks: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("hook %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestNew_DuplicateStageNames(t *testing.T) {
	_, err := New("dup", []StageSpec{
		{Stage: Constant("x", 1)},
		{Stage: Constant("x", 2)},
	})
	if err == nil {
		t.Fatal("expected construction error for duplicate stage names")
	}
}

func TestNew_NilStage(t *testing.T) {
	if _, err := New("nil", []StageSpec{{}}); err == nil {
		t.Fatal("expected construction error for nil stage")
	}
}

func TestNew_EmptyStageName(t *testing.T) {
	if _, err := New("anon", []StageSpec{{Stage: Constant("", 1)}}); err == nil {
		t.Fatal("expected construction error for empty stage name")
	}
}

func TestNew_NegativeMaxAttempts(t *testing.T) {
	_, err := New("neg", []StageSpec{
		{Stage: Constant("x", 1), Retry: RetryPolicy{MaxAttempts: -1}},
	})
	if err == nil {
		t.Fatal("expected construction error for negative max attempts")
	}
}

func TestRun_EmptyPipeline(t *testing.T) {
	e, err := New("empty", nil)
	if err != nil {
		t.Fatal(err)
	}
	report, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Len() != 0 || report.Failed() {
		t.Errorf("empty pipeline: records=%d failed=%v", report.Len(), report.Failed())
	}
}

func TestRun_ConcurrentRunsIndependent(t *testing.T) {
	e, err := New("shared", []StageSpec{
		{Stage: NewStage("echo", func(ctx context.Context, ec *Context) (any, error) {
			v, _ := ec.Get("seed")
			return v, nil
		})},
	})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			ec := NewContext()
			ec.Set("seed", i)
			_, err := e.Run(context.Background(), ec)
			if err == nil {
				if v, _ := Value[int](ec, "echo"); v != i {
					err = fmt.Errorf("run %d: echo=%v", i, v)
				}
			}
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Error(err)
		}
	}
}

// --- Observer test helper ---

type hookObserver struct {
	pipelineStarted  func(context.Context, string, string)
	pipelineFinished func(context.Context, string, *Report)
	stageStarted     func(context.Context, string, string, int)
	stageFinished    func(context.Context, string, StageRecord)
}

func (h *hookObserver) PipelineStarted(ctx context.Context, runID, name string) {
	if h.pipelineStarted != nil {
		h.pipelineStarted(ctx, runID, name)
	}
}

func (h *hookObserver) PipelineFinished(ctx context.Context, runID string, report *Report) {
	if h.pipelineFinished != nil {
		h.pipelineFinished(ctx, runID, report)
	}
}

func (h *hookObserver) StageStarted(ctx context.Context, runID, stage string, attempt int) {
	if h.stageStarted != nil {
		h.stageStarted(ctx, runID, stage, attempt)
	}
}

func (h *hookObserver) StageFinished(ctx context.Context, runID string, rec StageRecord) {
	if h.stageFinished != nil {
		h.stageFinished(ctx, runID, rec)
	}
}
