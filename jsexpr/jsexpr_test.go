package jsexpr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-storefront/poll"
)

func TestProgramEval(t *testing.T) {
	t.Parallel()

	state := map[string]interface{}{
		"status": 200,
		"body": map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"id": 1, "quantity": 2},
			},
			"total": 7.5,
		},
		"document": map[string]interface{}{"readyState": "loading"},
	}

	tests := []struct {
		name    string
		expr    string
		status  poll.Status
		wantErr error
	}{
		{name: "truthy", expr: "status === 200 && body.items.length > 0", status: poll.Done},
		{name: "falsy", expr: `document.readyState === "complete"`, status: poll.Pending},
		{name: "undefined", expr: "body.missing", status: poll.Pending},
		{name: "number", expr: "body.total", status: poll.Done},
		{name: "fail", expr: `status >= 500 ? true : fail("unable to load products")`, status: poll.Failed, wantErr: ErrFailed},
		{name: "fail_wins", expr: `(fail("error banner"), true)`, status: poll.Failed, wantErr: ErrFailed},
		{name: "throw", expr: "body.missing.length", status: poll.Failed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := Compile(tt.expr)
			require.NoError(t, err)

			status, err := p.Eval(state)
			assert.Equal(t, tt.status, status)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.status == poll.Failed:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompileError(t *testing.T) {
	t.Parallel()

	_, err := Compile("status ===")
	assert.Error(t, err)
	assert.Panics(t, func() { MustCompile("(") })
}

func TestEvalInterrupted(t *testing.T) {
	t.Parallel()

	p := MustCompile("(function() { for (;;) {} })()").WithTimeout(50 * time.Millisecond)

	start := time.Now()
	status, err := p.Eval(nil)
	assert.Equal(t, poll.Failed, status)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCondition(t *testing.T) {
	t.Parallel()

	var ready bool
	src := func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ready": ready}, nil
	}
	cond := Condition(MustCompile("ready"), src)

	status, err := cond(context.Background())
	require.NoError(t, err)
	assert.Equal(t, poll.Pending, status)

	ready = true
	status, err = cond(context.Background())
	require.NoError(t, err)
	assert.Equal(t, poll.Done, status)

	errSnapshot := errors.New("snapshot unavailable")
	broken := Condition(MustCompile("true"), func(context.Context) (map[string]interface{}, error) {
		return nil, errSnapshot
	})
	_, err = broken(context.Background())
	assert.ErrorIs(t, err, errSnapshot)
}

func TestConditionPolled(t *testing.T) {
	t.Parallel()

	var calls int
	src := func(context.Context) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"calls": calls}, nil
	}

	out := poll.Poll(context.Background(), poll.Request{
		Name:      "calls",
		Predicate: Condition(MustCompile("calls >= 3"), src),
		Interval:  time.Millisecond,
		Timeout:   time.Second,
	})
	assert.Equal(t, poll.Satisfied, out.Kind)
	assert.Equal(t, 3, out.Attempts)
}
