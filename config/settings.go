package config

import (
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-storefront/poll"
)

// Settings is the configuration resolved for one suite.
type Settings struct {
	Suite    string
	BaseURL  string
	Viewport Viewport

	CommandTimeout   time.Duration
	RequestTimeout   time.Duration
	ResponseTimeout  time.Duration
	PageLoadTimeout  time.Duration
	AssertionTimeout time.Duration

	AnimationDistanceThreshold int64

	Interval   time.Duration
	BackoffCap time.Duration
	Retries    int
}

// ForSuite resolves the settings of the named suite. A suite without
// overrides, including "", gets the base configuration.
func (c *Config) ForSuite(name string) Settings {
	s := Settings{
		Suite:   name,
		BaseURL: c.BaseURL,
		Viewport: Viewport{
			Width:  c.ViewportWidth,
			Height: c.ViewportHeight,
		},
		CommandTimeout:             ms(c.DefaultCommandTimeout),
		RequestTimeout:             ms(c.RequestTimeout),
		ResponseTimeout:            ms(c.ResponseTimeout),
		PageLoadTimeout:            ms(c.PageLoadTimeout),
		AssertionTimeout:           ms(c.AssertionTimeout),
		AnimationDistanceThreshold: c.AnimationDistanceThreshold,
		Interval:                   ms(c.PollInterval),
		BackoffCap:                 ms(c.PollBackoffCap),
		Retries:                    c.Retries.RunMode,
	}

	o, ok := c.Suites[name]
	if !ok {
		return s.withFallbacks()
	}
	if o.Viewport.Valid {
		if vp, err := ViewportPreset(o.Viewport.String); err == nil {
			s.Viewport = vp
		}
	}
	if o.ViewportWidth.Valid {
		s.Viewport.Width = o.ViewportWidth.Int64
	}
	if o.ViewportHeight.Valid {
		s.Viewport.Height = o.ViewportHeight.Int64
	}
	override := func(dst *time.Duration, v null.Int) {
		if v.Valid {
			*dst = ms(v.Int64)
		}
	}
	override(&s.CommandTimeout, o.DefaultCommandTimeout)
	override(&s.RequestTimeout, o.RequestTimeout)
	override(&s.ResponseTimeout, o.ResponseTimeout)
	override(&s.PageLoadTimeout, o.PageLoadTimeout)
	override(&s.AssertionTimeout, o.AssertionTimeout)
	if o.AnimationDistanceThreshold.Valid {
		s.AnimationDistanceThreshold = o.AnimationDistanceThreshold.Int64
	}

	return s.withFallbacks()
}

// assertions without their own timeout use the command timeout
func (s Settings) withFallbacks() Settings {
	if s.AssertionTimeout <= 0 {
		s.AssertionTimeout = s.CommandTimeout
	}
	return s
}

// Request builds a poll request with the suite interval and an exponential
// backoff capped at BackoffCap. A cap below the interval is raised to the
// interval. A timeout <= 0 uses the command timeout.
func (s Settings) Request(name string, timeout time.Duration, pred poll.Predicate) poll.Request {
	if timeout <= 0 {
		timeout = s.CommandTimeout
	}
	limit := s.BackoffCap
	if limit <= 0 {
		limit = poll.DefaultMaxInterval
	}
	if limit < s.Interval {
		limit = s.Interval
	}
	return poll.Request{
		Name:      name,
		Predicate: pred,
		Timeout:   timeout,
		Interval:  s.Interval,
		Backoff: poll.Exponential{
			Base: s.Interval,
			Cap:  limit,
		},
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
