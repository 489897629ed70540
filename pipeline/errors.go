package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Class is the retry classification of a stage failure.
type Class int

const (
	// ClassPermanent failures are never retried (malformed input,
	// authentication, programmer error).
	ClassPermanent Class = iota
	// ClassTransient failures may be retried (network blips, rate limits,
	// timeouts).
	ClassTransient
)

// TransientError marks err as transient. Use Transient(err) in a stage so the
// retry policy knows the failure is worth another attempt.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as a transient (retryable) failure.
func Transient(err error) error { return &TransientError{Err: err} }

// IsTransient reports whether err is marked transient anywhere in its chain.
func IsTransient(err error) bool { return errors.As(err, new(*TransientError)) }

// PermanentError marks err as permanent. Permanent errors are never retried,
// even by a classifier that would otherwise retry them.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as a permanent (non-retryable) failure.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err is marked permanent anywhere in its chain.
func IsPermanent(err error) bool { return errors.As(err, new(*PermanentError)) }

// DefaultClassify is the classifier used when RetryPolicy.Classify is nil.
// Explicit Permanent marks win over everything; Transient marks and stage
// timeouts (context.DeadlineExceeded) are transient; anything unmarked is
// permanent, so only failures a stage deliberately flagged are retried.
func DefaultClassify(err error) Class {
	switch {
	case IsPermanent(err):
		return ClassPermanent
	case IsTransient(err):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// StageError is the terminal failure of one stage: which pipeline and stage
// failed, on which attempt, and the underlying error.
type StageError struct {
	Pipeline string
	Stage    string
	Attempt  int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s: stage %s: attempt %d: %v", e.Pipeline, e.Stage, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
