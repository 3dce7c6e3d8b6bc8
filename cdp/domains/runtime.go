package domains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// EvaluationError is an exception thrown by an evaluated expression.
type EvaluationError struct {
	Expression  string
	Text        string
	Description string
}

func (e *EvaluationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("evaluating %q: %s: %s", e.Expression, e.Text, e.Description)
	}
	return fmt.Sprintf("evaluating %q: %s", e.Expression, e.Text)
}

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	Evaluate(ctx context.Context, expression string) (interface{}, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

// Evaluate evaluates expression in the page, awaiting promises, and returns
// its JSON value. Exceptions are returned as *EvaluationError.
func (r *runtime) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	action := cdpruntime.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true)

	res, exc, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}
	if exc != nil {
		evalErr := &EvaluationError{Expression: expression, Text: exc.Text}
		if exc.Exception != nil {
			evalErr.Description = exc.Exception.Description
		}
		return nil, evalErr
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}

	var v interface{}
	if err := json.Unmarshal(res.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding result of %q: %w", expression, err)
	}
	return v, nil
}
