package pipeline

import "context"

// Stage is one unit of work in a pipeline. Execute reads prior stage outputs
// from the Context and returns its own output; the executor stores the output
// under the stage's name only after the attempt succeeds, so a failed attempt
// never leaves a partial result behind. A stage declares at construction
// whether it is idempotent; non-idempotent stages are never retried.
type Stage interface {
	Name() string
	Idempotent() bool
	Execute(ctx context.Context, ec *Context) (any, error)
}

// ExecuteFunc is the function form of a stage body.
type ExecuteFunc func(ctx context.Context, ec *Context) (any, error)

type funcStage struct {
	name       string
	idempotent bool
	fn         ExecuteFunc
}

func (s *funcStage) Name() string     { return s.name }
func (s *funcStage) Idempotent() bool { return s.idempotent }
func (s *funcStage) Execute(ctx context.Context, ec *Context) (any, error) {
	return s.fn(ctx, ec)
}

// NewStage returns an idempotent stage with the given name and body.
func NewStage(name string, fn ExecuteFunc) Stage {
	return &funcStage{name: name, idempotent: true, fn: fn}
}

// NonIdempotent marks s as unsafe to retry: the executor invokes it at most
// once per run regardless of the retry policy.
func NonIdempotent(s Stage) Stage {
	return &nonIdempotentStage{Stage: s}
}

type nonIdempotentStage struct{ Stage }

func (s *nonIdempotentStage) Idempotent() bool { return false }

// Tap returns a stage that calls fn and passes no output of its own (the
// stored value is nil). Use for side effects like progress notifications.
func Tap(name string, fn func(ctx context.Context, ec *Context)) Stage {
	return NewStage(name, func(ctx context.Context, ec *Context) (any, error) {
		fn(ctx, ec)
		return nil, nil
	})
}

// Constant returns a stage that always outputs value. Useful to inject a
// fixed input (e.g. as a test source).
func Constant(name string, value any) Stage {
	return NewStage(name, func(context.Context, *Context) (any, error) {
		return value, nil
	})
}
