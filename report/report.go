// Package report collects poll outcomes of a run and persists them as JSON.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/storage"
)

// Entry is one finished poll.
type Entry struct {
	Name      string  `json:"name"`
	Outcome   string  `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
	Attempts  int     `json:"attempts"`
	ElapsedMS float64 `json:"elapsed_ms"`
	TimeoutMS float64 `json:"timeout_ms"`
	Finished  string  `json:"finished"`
}

// Report is the persisted form of a run.
type Report struct {
	RunID   string         `json:"run_id,omitempty"`
	Suite   string         `json:"suite,omitempty"`
	Started string         `json:"started"`
	Totals  map[string]int `json:"totals"`
	Polls   []Entry        `json:"polls"`
}

// Recorder collects the outcomes of a run. It is safe for concurrent use.
type Recorder struct {
	runID, suite string
	started      time.Time
	now          func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns a recorder for the run runID of suite.
func NewRecorder(runID, suite string) *Recorder {
	return &Recorder{
		runID:   runID,
		suite:   suite,
		started: time.Now(),
		now:     time.Now,
	}
}

// Observe records a finished poll. It is a poll.Observer.
func (r *Recorder) Observe(req poll.Request, out poll.Outcome) {
	e := Entry{
		Name:      req.Name,
		Outcome:   out.Kind.String(),
		Attempts:  out.Attempts,
		ElapsedMS: millis(out.Elapsed),
		TimeoutMS: millis(req.Timeout),
		Finished:  r.now().UTC().Format(time.RFC3339Nano),
	}
	if out.Reason != nil {
		e.Reason = out.Reason.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Report returns the outcomes recorded so far.
func (r *Recorder) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{
		RunID:   r.runID,
		Suite:   r.suite,
		Started: r.started.UTC().Format(time.RFC3339Nano),
		Totals: map[string]int{
			poll.Satisfied.String():       0,
			poll.TimedOut.String():        0,
			poll.Cancelled.String():       0,
			poll.PredicateFailed.String(): 0,
		},
		Polls: append([]Entry{}, r.entries...),
	}
	for _, e := range r.entries {
		rep.Totals[e.Outcome]++
	}
	return rep
}

// Write persists the report at path.
func (r *Recorder) Write(ctx context.Context, p storage.FilePersister, path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Report()); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := p.Persist(ctx, path, &buf); err != nil {
		return fmt.Errorf("persisting report: %w", err)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
