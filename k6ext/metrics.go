package k6ext

import (
	"context"
	"time"

	k6metrics "go.k6.io/k6/metrics"
)

// CustomMetrics are the custom k6 metrics emitted for condition polls.
type CustomMetrics struct {
	PollDuration *k6metrics.Metric
	PollAttempts *k6metrics.Metric
	PollOutcomes *k6metrics.Metric

	tags *k6metrics.TagSet
}

// RegisterCustomMetrics creates and registers our custom metrics with the k6
// Registry and returns our internal struct pointer.
func RegisterCustomMetrics(registry *k6metrics.Registry) *CustomMetrics {
	return &CustomMetrics{
		PollDuration: registry.MustNewMetric(
			"browser_poll_duration", k6metrics.Trend, k6metrics.Time),
		PollAttempts: registry.MustNewMetric(
			"browser_poll_attempts", k6metrics.Trend),
		PollOutcomes: registry.MustNewMetric(
			"browser_poll_outcomes", k6metrics.Counter),
		tags: registry.RootTagSet(),
	}
}

// PollSamples builds the samples describing one finished poll. Every sample
// is tagged with the poll name and its outcome, plus the suite when set.
func (m *CustomMetrics) PollSamples(
	name, outcome, suite string, elapsed time.Duration, attempts int, now time.Time,
) k6metrics.Samples {
	tags := m.tags.With("name", name).With("outcome", outcome)
	if suite != "" {
		tags = tags.With("suite", suite)
	}

	sample := func(metric *k6metrics.Metric, value float64) k6metrics.Sample {
		return k6metrics.Sample{
			TimeSeries: k6metrics.TimeSeries{Metric: metric, Tags: tags},
			Time:       now,
			Value:      value,
		}
	}

	return k6metrics.Samples{
		sample(m.PollDuration, float64(elapsed)/float64(time.Millisecond)),
		sample(m.PollAttempts, float64(attempts)),
		sample(m.PollOutcomes, 1),
	}
}

// PushIfNotDone is a helper function to push a sample to a channel if the
// context is not done. It returns true if the sample was pushed, false if the
// context was done.
func PushIfNotDone(ctx context.Context, output chan<- k6metrics.SampleContainer, sample k6metrics.SampleContainer) bool {
	select {
	case <-ctx.Done():
		return false
	case output <- sample:
		return true
	}
}
