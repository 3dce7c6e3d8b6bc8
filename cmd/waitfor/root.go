package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	k6metrics "go.k6.io/k6/metrics"

	"github.com/grafana/xk6-storefront/config"
	"github.com/grafana/xk6-storefront/k6ext"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/otel"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/report"
	"github.com/grafana/xk6-storefront/storage"
	"github.com/grafana/xk6-storefront/suite"
	"github.com/grafana/xk6-storefront/trace"
)

// Exit codes.
const (
	exitSatisfied = 0
	exitFailed    = 1
	exitTimedOut  = 2
	exitCancelled = 3
)

// outcomeError carries a poll outcome that is not satisfied.
type outcomeError struct {
	out poll.Outcome
}

func (e *outcomeError) Error() string { return e.out.String() }

func exitCode(err error) int {
	if err == nil {
		return exitSatisfied
	}
	var oe *outcomeError
	if !errors.As(err, &oe) {
		return exitFailed
	}
	switch oe.out.Kind {
	case poll.TimedOut:
		return exitTimedOut
	case poll.Cancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// globalOptions are the persistent flags of every subcommand.
type globalOptions struct {
	configPath   string
	suite        string
	timeout      time.Duration
	interval     time.Duration
	backoffCap   time.Duration
	retries      int
	logLevel     string
	logCategory  string
	reportPath   string
	otlpEndpoint string
	otlpInsecure bool

	otlpSampleRatio float64
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:   "waitfor",
		Short: "Wait for storefront conditions",
		Long: `Poll a condition until it holds, fails or times out.

Exit codes: 0 satisfied, 1 condition failed or usage error, 2 timed out,
3 cancelled.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "JSON or YAML configuration file")
	flags.StringVar(&opts.suite, "suite", "", "suite whose overrides apply (viewport, action, assertion, utility, ...)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "wait timeout (default from the suite configuration)")
	flags.DurationVar(&opts.interval, "interval", 0, "first delay between evaluations (default from the configuration)")
	flags.DurationVar(&opts.backoffCap, "backoff-cap", 0, "maximum delay between evaluations (default from the configuration)")
	flags.IntVar(&opts.retries, "retries", -1, "times a timed out wait is retried (default from the configuration)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.StringVar(&opts.logCategory, "log-category", "", "only log categories matching this regexp")
	flags.StringVar(&opts.reportPath, "report", "", "write a JSON run report to this path")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "export poll spans to this OTLP/HTTP endpoint (host:port or URL)")
	flags.BoolVar(&opts.otlpInsecure, "otlp-insecure", false, "export spans without TLS")
	flags.Float64Var(&opts.otlpSampleRatio, "otlp-sample-ratio", 1, "share of waits traced")

	root.AddCommand(
		newHTTPCmd(&opts),
		newPageCmd(&opts),
		newMockCmd(&opts),
	)

	return root
}

// runEnv is what a subcommand needs to run waits.
type runEnv struct {
	logger   *log.Logger
	cfg      *config.Config
	settings config.Settings
	opts     *globalOptions
	out      io.Writer

	ctx      context.Context
	runID    string
	poller   *poll.Poller
	recorder *report.Recorder
	tp       otel.TraceProvider
	tracer   *trace.Tracer

	samples     chan k6metrics.SampleContainer
	samplesDone sync.WaitGroup
}

func setup(cmd *cobra.Command, opts *globalOptions) (*runEnv, error) {
	ctx := cmd.Context()

	logger := log.New(logrus.New(), nil)
	logger.SetOutput(cmd.ErrOrStderr())
	if err := logger.SetLevel(opts.logLevel); err != nil {
		return nil, err
	}
	if err := logger.SetCategoryFilter(opts.logCategory); err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	settings := cfg.ForSuite(opts.suite)
	if opts.interval > 0 {
		settings.Interval = opts.interval
	}
	if opts.backoffCap > 0 {
		settings.BackoffCap = opts.backoffCap
	}
	if opts.retries >= 0 {
		settings.Retries = opts.retries
	}

	runID := suite.NewRunID()
	ctx = suite.WithRunID(suite.WithName(ctx, opts.suite), runID)

	tp := otel.NewNoopTraceProvider()
	if opts.otlpEndpoint != "" {
		tp, err = otel.NewTraceProvider(ctx, otel.Options{
			Endpoint:    opts.otlpEndpoint,
			Insecure:    opts.otlpInsecure,
			RunID:       runID,
			Suite:       opts.suite,
			SampleRatio: opts.otlpSampleRatio,
		})
		if err != nil {
			return nil, err
		}
	}
	tracer := trace.NewTracer(logger.Logger, tp, map[string]string{
		"run_id": runID,
		"suite":  opts.suite,
	})

	env := &runEnv{
		logger:   logger,
		cfg:      cfg,
		settings: settings,
		opts:     opts,
		out:      cmd.OutOrStdout(),
		ctx:      ctx,
		runID:    runID,
		recorder: report.NewRecorder(runID, opts.suite),
		tp:       tp,
		tracer:   tracer,
		samples:  make(chan k6metrics.SampleContainer, 16),
	}

	metrics := k6ext.RegisterCustomMetrics(k6metrics.NewRegistry())
	env.samplesDone.Add(1)
	go env.logSamples()

	env.poller = poll.New(
		poll.WithLogger(logger),
		poll.WithTracer(tracer),
		poll.WithMetrics(metrics, env.samples),
		poll.WithObserver(env.recorder.Observe),
	)
	logger.Debugf("waitfor", "run:%s suite:%q settings:%+v", runID, opts.suite, settings)

	return env, nil
}

func (e *runEnv) logSamples() {
	defer e.samplesDone.Done()
	for sc := range e.samples {
		for _, s := range sc.GetSamples() {
			e.logger.Debugf("waitfor:metrics", "%s=%g %v", s.Metric.Name, s.Value, s.Tags.Map())
		}
	}
}

// close flushes the spans, metrics and report of the run.
func (e *runEnv) close() error {
	close(e.samples)
	e.samplesDone.Wait()

	// the run context may be cancelled already
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := e.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
	}
	if e.opts.reportPath != "" {
		if err := e.recorder.Write(ctx, &storage.LocalFilePersister{}, e.opts.reportPath); err != nil {
			errs = append(errs, err)
		} else {
			e.logger.Infof("waitfor", "report written to %q", e.opts.reportPath)
		}
	}
	return errors.Join(errs...)
}

// timeout returns the --timeout flag, or fallback when it is not set.
func (e *runEnv) timeout(fallback time.Duration) time.Duration {
	if e.opts.timeout > 0 {
		return e.opts.timeout
	}
	return fallback
}

// wait polls the predicates built by newPred, retrying timed out polls.
// A fresh predicate is built for every attempt.
func (e *runEnv) wait(name string, timeout time.Duration, newPred func() poll.Predicate) error {
	var out poll.Outcome
	for attempt := 0; attempt <= e.settings.Retries; attempt++ {
		if attempt > 0 {
			e.logger.Warnf("waitfor", "%s timed out, retry %d of %d", name, attempt, e.settings.Retries)
		}
		out = e.poller.Poll(e.ctx, e.settings.Request(name, timeout, newPred()))
		if out.Kind != poll.TimedOut {
			break
		}
	}
	printOutcome(e.out, name, out)

	if out.Kind == poll.Satisfied {
		return nil
	}
	return &outcomeError{out: out}
}

func printOutcome(w io.Writer, name string, out poll.Outcome) {
	c := color.New(color.FgGreen, color.Bold)
	switch out.Kind {
	case poll.TimedOut:
		c = color.New(color.FgYellow, color.Bold)
	case poll.Cancelled:
		c = color.New(color.FgMagenta, color.Bold)
	case poll.PredicateFailed:
		c = color.New(color.FgRed, color.Bold)
	}
	_, _ = c.Fprintf(w, "%-16s", out.Kind)
	_, _ = fmt.Fprintf(w, " %s: %s\n", name, out)
}

// allOf is satisfied once every predicate is satisfied in the same
// evaluation. The first failure fails it.
func allOf(preds ...poll.Predicate) poll.Predicate {
	return func(ctx context.Context) (poll.Status, error) {
		status := poll.Done
		for _, pred := range preds {
			s, err := pred(ctx)
			if err != nil || s == poll.Failed {
				return poll.Failed, err
			}
			if s == poll.Pending {
				status = poll.Pending
			}
		}
		return status, nil
	}
}
