// Package waiters provides poll predicates for the page states a storefront
// test waits on: page load, settled animations, loaders gone and network idle.
package waiters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/grafana/xk6-storefront/cdp/domains"
	"github.com/grafana/xk6-storefront/poll"
)

// ErrPageError is wrapped by the reason of a predicate that saw a page error
// state.
var ErrPageError = errors.New("page shows an error state")

// Evaluator evaluates a JavaScript expression in a page and returns its JSON
// value. *cdp.Client is an Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string) (interface{}, error)
}

// Expression is satisfied once expr evaluates to a truthy value.
func Expression(ev Evaluator, expr string) poll.Predicate {
	return func(ctx context.Context) (poll.Status, error) {
		v, err := ev.Evaluate(ctx, expr)
		if err != nil {
			return evalFailure(ctx, err)
		}
		if truthy(v) {
			return poll.Done, nil
		}
		return poll.Pending, nil
	}
}

// PageLoad is satisfied once the document has finished loading.
func PageLoad(ev Evaluator) poll.Predicate {
	return Expression(ev, `document.readyState === "complete"`)
}

// Animations is satisfied once no Web Animation is running in the document.
func Animations(ev Evaluator) poll.Predicate {
	return Expression(ev,
		`document.getAnimations().filter(a => a.playState === "running").length === 0`)
}

// SelectorAbsent is satisfied once no element matches sel.
func SelectorAbsent(ev Evaluator, sel string) poll.Predicate {
	return Expression(ev, fmt.Sprintf(`document.querySelector(%s) === null`, quote(sel)))
}

// SelectorCount is satisfied once exactly n elements match sel.
func SelectorCount(ev Evaluator, sel string, n int) poll.Predicate {
	return Expression(ev, fmt.Sprintf(`document.querySelectorAll(%s).length === %d`, quote(sel), n))
}

// MediaQuery is satisfied once the document matches the CSS media query.
func MediaQuery(ev Evaluator, query string) poll.Predicate {
	return Expression(ev, fmt.Sprintf(`window.matchMedia(%s).matches`, quote(query)))
}

// ViewportSize is satisfied once the window has been resized to width x height.
func ViewportSize(ev Evaluator, width, height int64) poll.Predicate {
	return Expression(ev, fmt.Sprintf(`window.innerWidth === %d && window.innerHeight === %d`, width, height))
}

// FailOnSelector wraps pred so that a visible element matching sel fails the
// wait instead of letting it run to the timeout.
func FailOnSelector(ev Evaluator, sel string, pred poll.Predicate) poll.Predicate {
	expr := fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (el === null) { return null; }
	const style = window.getComputedStyle(el);
	if (style.display === "none" || style.visibility === "hidden") { return null; }
	return el.textContent.trim();
})()`, quote(sel))

	return func(ctx context.Context) (poll.Status, error) {
		v, err := ev.Evaluate(ctx, expr)
		if err != nil {
			return evalFailure(ctx, err)
		}
		if v != nil {
			return poll.Failed, fmt.Errorf("%w: %s %q", ErrPageError, sel, v)
		}
		return pred(ctx)
	}
}

// evalFailure classifies an Evaluate error. An exception thrown by the
// expression fails the wait, the end of ctx cancels it and anything else,
// such as a command lost in transit, is retried on the next attempt.
func evalFailure(ctx context.Context, err error) (poll.Status, error) {
	var evalErr *domains.EvaluationError
	if errors.As(err, &evalErr) {
		return poll.Failed, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return poll.Failed, ctxErr
	}
	return poll.Pending, nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// truthy follows JavaScript truthiness for JSON values.
func truthy(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	default:
		return true
	}
}
