// Package poll waits for asynchronous state to reach a condition.
//
// A Request names a Predicate, a timeout and a poll interval. Poll evaluates
// the predicate until it reports Done, reports Failed, the request's context
// is cancelled, or the timeout elapses, and returns exactly one Outcome.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimedOut is wrapped by Outcome.Err for timed out polls.
	ErrTimedOut = errors.New("condition not satisfied before timeout")

	// ErrConditionFailed is the reason given when a predicate reports Failed
	// without an error of its own.
	ErrConditionFailed = errors.New("condition failed")

	// ErrNilPredicate is the reason given for a request without a predicate.
	ErrNilPredicate = errors.New("nil predicate")

	// ErrPredicatePanic is wrapped by the reason of a predicate that panicked.
	ErrPredicatePanic = errors.New("predicate panicked")
)

// Status is what a predicate reports about its condition on one evaluation.
type Status int

const (
	// Pending means the condition does not hold yet.
	Pending Status = iota
	// Done means the condition holds.
	Done
	// Failed means the condition can never hold.
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Predicate checks the current state once.
//
// A non-nil error always fails the poll with the error as its reason, unless
// it is the error of the context passed in, in which case the poll is
// cancelled. The context carries cancellation and values only; predicates
// should return quickly regardless.
type Predicate func(ctx context.Context) (Status, error)

// Bool adapts a boolean check: true is Done, false is Pending.
func Bool(fn func() bool) Predicate {
	return func(context.Context) (Status, error) {
		if fn() {
			return Done, nil
		}
		return Pending, nil
	}
}

// BoolErr adapts a boolean check that can fail.
func BoolErr(fn func(ctx context.Context) (bool, error)) Predicate {
	return func(ctx context.Context) (Status, error) {
		ok, err := fn(ctx)
		switch {
		case err != nil:
			return Failed, err
		case ok:
			return Done, nil
		}
		return Pending, nil
	}
}

// Kind is the kind of result a poll ended with.
type Kind int

const (
	Satisfied Kind = iota + 1
	TimedOut
	Cancelled
	PredicateFailed
)

func (k Kind) String() string {
	switch k {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case PredicateFailed:
		return "predicate_failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the terminal result of one poll.
type Outcome struct {
	Kind Kind
	// Reason is set for PredicateFailed only.
	Reason error
	// Attempts counts predicate evaluations.
	Attempts int
	Elapsed  time.Duration
}

// Err reports a TimedOut or PredicateFailed outcome as an error. Satisfied
// and Cancelled outcomes return nil: a cancelled poll is a clean exit.
func (o Outcome) Err() error {
	switch o.Kind {
	case TimedOut:
		return fmt.Errorf("%w after %s (%d attempts)", ErrTimedOut, o.Elapsed, o.Attempts)
	case PredicateFailed:
		return fmt.Errorf("predicate failed after %d attempts: %w", o.Attempts, o.Reason)
	}
	return nil
}

func (o Outcome) String() string {
	if o.Kind == PredicateFailed {
		return fmt.Sprintf("%s(%v) after %s, %d attempts", o.Kind, o.Reason, o.Elapsed, o.Attempts)
	}
	return fmt.Sprintf("%s after %s, %d attempts", o.Kind, o.Elapsed, o.Attempts)
}
