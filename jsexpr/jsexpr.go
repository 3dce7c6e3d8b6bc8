// Package jsexpr evaluates JavaScript conditions against a state snapshot.
package jsexpr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/grafana/xk6-storefront/poll"
)

// DefaultEvalTimeout bounds a single evaluation.
const DefaultEvalTimeout = 250 * time.Millisecond

// ErrFailed is wrapped by the reason of a condition that called fail().
var ErrFailed = errors.New("condition reported failure")

// Program is a compiled condition expression. It is safe for concurrent use.
type Program struct {
	source  string
	prog    *goja.Program
	timeout time.Duration
}

// Compile compiles the JavaScript expression expr.
func Compile(expr string) (*Program, error) {
	src := "(function() {\nreturn (" + expr + "\n);\n})()"
	prog, err := goja.Compile("condition", src, true)
	if err != nil {
		return nil, fmt.Errorf("compiling condition %q: %w", expr, err)
	}
	return &Program{
		source:  expr,
		prog:    prog,
		timeout: DefaultEvalTimeout,
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Program {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// WithTimeout returns a copy of p whose evaluations are interrupted after d.
func (p *Program) WithTimeout(d time.Duration) *Program {
	cp := *p
	cp.timeout = d
	return &cp
}

func (p *Program) String() string { return p.source }

// Eval runs the program with every key of state bound as a global.
//
// A truthy result is Done and a falsy one Pending. Calling fail(reason) marks
// the condition as Failed whatever the result. A thrown exception or an
// interrupted evaluation is Failed with the error as reason.
func (p *Program) Eval(state map[string]interface{}) (poll.Status, error) {
	rt := goja.New()
	for k, v := range state {
		if err := rt.Set(k, v); err != nil {
			return poll.Failed, fmt.Errorf("binding %q: %w", k, err)
		}
	}

	var (
		failed bool
		reason string
	)
	if err := rt.Set("fail", func(msg string) {
		failed, reason = true, msg
	}); err != nil {
		return poll.Failed, fmt.Errorf("binding fail: %w", err)
	}

	if p.timeout > 0 {
		timer := time.AfterFunc(p.timeout, func() {
			rt.Interrupt(fmt.Sprintf("condition exceeded %s", p.timeout))
		})
		defer timer.Stop()
	}

	v, err := rt.RunProgram(p.prog)
	if err != nil {
		return poll.Failed, fmt.Errorf("evaluating %q: %w", p.source, err)
	}

	if failed {
		return poll.Failed, fmt.Errorf("%w: %s", ErrFailed, reason)
	}
	if v != nil && v.ToBoolean() {
		return poll.Done, nil
	}
	return poll.Pending, nil
}

// Source produces the state a condition is evaluated against.
type Source func(ctx context.Context) (map[string]interface{}, error)

// Condition returns a predicate evaluating p against the state from source.
func Condition(p *Program, source Source) poll.Predicate {
	return func(ctx context.Context) (poll.Status, error) {
		state, err := source(ctx)
		if err != nil {
			return poll.Failed, err
		}
		return p.Eval(state)
	}
}
