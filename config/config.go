// Package config holds the storefront run configuration: timeouts, viewport
// and retries, with explicit per suite overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v2"

	"github.com/grafana/xk6-storefront/poll"
)

// EnvPrefix prefixes the environment variables overriding a configuration.
const EnvPrefix = "STOREFRONT"

// Suite names with built-in overrides.
const (
	SuiteViewport  = "viewport"
	SuiteAction    = "action"
	SuiteAssertion = "assertion"
	SuiteUtility   = "utility"
)

// ErrUnknownViewport is returned for a viewport preset that does not exist.
var ErrUnknownViewport = errors.New("unknown viewport preset")

// Viewport is a browser window size.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
	Mobile bool  `json:"mobile"`
}

// Viewports are the named viewport presets.
var Viewports = map[string]Viewport{
	"mobile":  {Width: 375, Height: 667, Mobile: true},
	"tablet":  {Width: 768, Height: 1024, Mobile: true},
	"desktop": {Width: 1920, Height: 1080},
}

// ViewportPreset returns the preset called name.
func ViewportPreset(name string) (Viewport, error) {
	vp, ok := Viewports[strings.ToLower(name)]
	if !ok {
		names := make([]string, 0, len(Viewports))
		for n := range Viewports {
			names = append(names, n)
		}
		sort.Strings(names)
		return Viewport{}, fmt.Errorf("%w %q (one of %s)", ErrUnknownViewport, name, strings.Join(names, ", "))
	}
	return vp, nil
}

// Retries is how many times a failed wait is attempted again.
type Retries struct {
	RunMode  int `json:"runMode"`
	OpenMode int `json:"openMode"`
}

// Config is a run configuration. Durations are in milliseconds.
type Config struct {
	BaseURL                    string           `json:"baseUrl"`
	ViewportWidth              int64            `json:"viewportWidth"`
	ViewportHeight             int64            `json:"viewportHeight"`
	DefaultCommandTimeout      int64            `json:"defaultCommandTimeout"`
	RequestTimeout             int64            `json:"requestTimeout"`
	ResponseTimeout            int64            `json:"responseTimeout"`
	PageLoadTimeout            int64            `json:"pageLoadTimeout"`
	AssertionTimeout           int64            `json:"assertionTimeout"`
	AnimationDistanceThreshold int64            `json:"animationDistanceThreshold"`
	PollInterval               int64            `json:"pollInterval"`
	PollBackoffCap             int64            `json:"pollBackoffCap"`
	ScreenshotOnRunFailure     bool             `json:"screenshotOnRunFailure"`
	Retries                    Retries          `json:"retries"`
	Suites                     map[string]Suite `json:"suites"`
}

// Suite overrides the configuration for the waits of one suite. Unset
// values keep the base configuration.
type Suite struct {
	Viewport                   null.String `json:"viewport"`
	ViewportWidth              null.Int    `json:"viewportWidth"`
	ViewportHeight             null.Int    `json:"viewportHeight"`
	DefaultCommandTimeout      null.Int    `json:"defaultCommandTimeout"`
	RequestTimeout             null.Int    `json:"requestTimeout"`
	ResponseTimeout            null.Int    `json:"responseTimeout"`
	PageLoadTimeout            null.Int    `json:"pageLoadTimeout"`
	AssertionTimeout           null.Int    `json:"assertionTimeout"`
	AnimationDistanceThreshold null.Int    `json:"animationDistanceThreshold"`
}

// Default returns the base configuration with the built-in suites.
func Default() *Config {
	return &Config{
		BaseURL:                "https://sweetshop.com",
		ViewportWidth:          1920,
		ViewportHeight:         1080,
		DefaultCommandTimeout:  10000,
		RequestTimeout:         10000,
		ResponseTimeout:        30000,
		PageLoadTimeout:        60000,
		AssertionTimeout:       0,
		PollInterval:           poll.DefaultInterval.Milliseconds(),
		PollBackoffCap:         poll.DefaultMaxInterval.Milliseconds(),
		ScreenshotOnRunFailure: true,
		Retries:                Retries{RunMode: 2, OpenMode: 0},
		Suites:                 DefaultSuites(),
	}
}

// DefaultSuites returns the built-in suite overrides.
func DefaultSuites() map[string]Suite {
	return map[string]Suite{
		SuiteViewport: {
			ViewportWidth:  null.IntFrom(1920),
			ViewportHeight: null.IntFrom(1080),
		},
		SuiteAction: {
			DefaultCommandTimeout:      null.IntFrom(15000),
			AnimationDistanceThreshold: null.IntFrom(20),
		},
		SuiteAssertion: {
			AssertionTimeout: null.IntFrom(8000),
		},
		SuiteUtility: {
			RequestTimeout:  null.IntFrom(15000),
			ResponseTimeout: null.IntFrom(30000),
		},
	}
}

// env are the overrides read from the environment.
type env struct {
	BaseURL               null.String `envconfig:"BASE_URL"`
	ViewportWidth         null.Int    `envconfig:"VIEWPORT_WIDTH"`
	ViewportHeight        null.Int    `envconfig:"VIEWPORT_HEIGHT"`
	DefaultCommandTimeout null.Int    `envconfig:"DEFAULT_COMMAND_TIMEOUT"`
	RequestTimeout        null.Int    `envconfig:"REQUEST_TIMEOUT"`
	ResponseTimeout       null.Int    `envconfig:"RESPONSE_TIMEOUT"`
	PageLoadTimeout       null.Int    `envconfig:"PAGE_LOAD_TIMEOUT"`
	AssertionTimeout      null.Int    `envconfig:"ASSERTION_TIMEOUT"`
	PollInterval          null.Int    `envconfig:"POLL_INTERVAL"`
	PollBackoffCap        null.Int    `envconfig:"POLL_BACKOFF_CAP"`
	RetriesRunMode        null.Int    `envconfig:"RETRIES_RUN_MODE"`
	RetriesOpenMode       null.Int    `envconfig:"RETRIES_OPEN_MODE"`
	ScreenshotOnFailure   null.Bool   `envconfig:"SCREENSHOT_ON_RUN_FAILURE"`
}

// Load reads the configuration from the JSON file at path, when path is not
// empty, over the defaults, then applies the STOREFRONT_* environment
// variables. Suites in the file are merged with the built-in ones.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
			if b, err = yamlToJSON(b); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
		}
		if err := cfg.merge(b); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	cfg.applyEnv(e)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(b []byte) error {
	suites := c.Suites
	c.Suites = nil
	if err := json.Unmarshal(b, c); err != nil {
		c.Suites = suites
		return err
	}
	for name, s := range c.Suites {
		suites[name] = s
	}
	c.Suites = suites
	return nil
}

// yamlToJSON converts a YAML document to JSON so that both formats share the
// JSON field names and the null types of Suite.
func yamlToJSON(b []byte) ([]byte, error) {
	var v interface{}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	v, err := jsonValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func jsonValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non string key %v", k)
			}
			ev, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			m[ks] = ev
		}
		return m, nil
	case []interface{}:
		for i, e := range v {
			ev, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			v[i] = ev
		}
		return v, nil
	}
	return v, nil
}

func (c *Config) applyEnv(e env) {
	setString := func(dst *string, v null.String) {
		if v.Valid {
			*dst = v.String
		}
	}
	setInt := func(dst *int64, v null.Int) {
		if v.Valid {
			*dst = v.Int64
		}
	}
	setString(&c.BaseURL, e.BaseURL)
	setInt(&c.ViewportWidth, e.ViewportWidth)
	setInt(&c.ViewportHeight, e.ViewportHeight)
	setInt(&c.DefaultCommandTimeout, e.DefaultCommandTimeout)
	setInt(&c.RequestTimeout, e.RequestTimeout)
	setInt(&c.ResponseTimeout, e.ResponseTimeout)
	setInt(&c.PageLoadTimeout, e.PageLoadTimeout)
	setInt(&c.AssertionTimeout, e.AssertionTimeout)
	setInt(&c.PollInterval, e.PollInterval)
	setInt(&c.PollBackoffCap, e.PollBackoffCap)
	if e.RetriesRunMode.Valid {
		c.Retries.RunMode = int(e.RetriesRunMode.Int64)
	}
	if e.RetriesOpenMode.Valid {
		c.Retries.OpenMode = int(e.RetriesOpenMode.Int64)
	}
	if e.ScreenshotOnFailure.Valid {
		c.ScreenshotOnRunFailure = e.ScreenshotOnFailure.Bool
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for name, v := range map[string]int64{
		"viewportWidth":         c.ViewportWidth,
		"viewportHeight":        c.ViewportHeight,
		"defaultCommandTimeout": c.DefaultCommandTimeout,
		"requestTimeout":        c.RequestTimeout,
		"responseTimeout":       c.ResponseTimeout,
		"pageLoadTimeout":       c.PageLoadTimeout,
		"assertionTimeout":      c.AssertionTimeout,
		"pollInterval":          c.PollInterval,
		"pollBackoffCap":        c.PollBackoffCap,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if c.Retries.RunMode < 0 || c.Retries.OpenMode < 0 {
		return fmt.Errorf("retries must not be negative, got %+v", c.Retries)
	}
	for name, s := range c.Suites {
		if s.Viewport.Valid {
			if _, err := ViewportPreset(s.Viewport.String); err != nil {
				return fmt.Errorf("suite %q: %w", name, err)
			}
		}
	}
	return nil
}
