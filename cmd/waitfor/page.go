package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/xk6-storefront/cdp"
	"github.com/grafana/xk6-storefront/config"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/waiters"
)

type pageOptions struct {
	wsURL       string
	sessionID   string
	navigate    string
	viewport    string
	expr        string
	pageLoad    bool
	animations  bool
	networkIdle time.Duration
	absent      []string
	failOn      string
}

func newPageCmd(opts *globalOptions) *cobra.Command {
	var po pageOptions

	cmd := &cobra.Command{
		Use:   "page",
		Short: "Wait for a browser page state over the DevTools protocol",
		Long: `Connect to a browser DevTools websocket, optionally resize the viewport
and navigate, then wait until every requested condition holds in the same
evaluation.`,
		Example: `  waitfor page --ws ws://127.0.0.1:9222/devtools/page/ID --navigate https://sweetshop.com --page-load
  waitfor page --ws ws://... --viewport mobile --absent .loading --expr 'document.title !== ""'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if po.wsURL == "" {
				return errors.New("--ws is required")
			}
			if !po.pageLoad && !po.animations && po.expr == "" && po.networkIdle <= 0 && len(po.absent) == 0 {
				return errors.New("no condition: use --expr, --page-load, --animations, --network-idle or --absent")
			}

			env, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			return runPage(env, &po)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&po.wsURL, "ws", "", "DevTools websocket URL of the page or browser")
	flags.StringVar(&po.sessionID, "session", "", "target session ID, when --ws is a browser endpoint")
	flags.StringVar(&po.navigate, "navigate", "", "navigate to this URL before waiting (relative to the configured base URL)")
	flags.StringVar(&po.viewport, "viewport", "", "viewport preset (mobile, tablet, desktop) or WIDTHxHEIGHT")
	flags.StringVar(&po.expr, "expr", "", "JavaScript expression that must be truthy")
	flags.BoolVar(&po.pageLoad, "page-load", false, "wait for the document to be loaded")
	flags.BoolVar(&po.animations, "animations", false, "wait for running animations to finish")
	flags.DurationVar(&po.networkIdle, "network-idle", 0, "wait for no request in flight during this long")
	flags.StringSliceVar(&po.absent, "absent", nil, "selectors that must match nothing, such as loaders")
	flags.StringVar(&po.failOn, "fail-on", "", "selector of a visible error state that fails the wait")

	return cmd
}

func runPage(env *runEnv, po *pageOptions) error {
	ctx := env.ctx
	if po.sessionID != "" {
		ctx = cdp.WithSessionID(ctx, po.sessionID)
	}
	env.ctx = ctx

	client := cdp.NewClient(env.logger)
	client.SetTracer(env.tracer)
	if err := client.Connect(ctx, po.wsURL); err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	vp, set, err := parseViewport(po.viewport, env.settings.Viewport)
	if err != nil {
		return err
	}
	if set || env.opts.suite == config.SuiteViewport {
		if err := client.SetViewport(ctx, vp.Width, vp.Height, vp.Mobile); err != nil {
			return err
		}
	}

	var tracker *cdp.NetworkTracker
	if po.networkIdle > 0 {
		if tracker, err = client.TrackNetwork(ctx); err != nil {
			return err
		}
		defer tracker.Stop()
	}

	timeout := env.settings.CommandTimeout
	if po.navigate != "" {
		url := resolveURL(env.settings.BaseURL, po.navigate)
		if _, err := client.Navigate(ctx, url); err != nil {
			return err
		}
		timeout = env.settings.PageLoadTimeout
	}

	newPred := func() poll.Predicate {
		var preds []poll.Predicate
		if po.pageLoad {
			preds = append(preds, waiters.PageLoad(client))
		}
		if po.animations {
			preds = append(preds, waiters.Animations(client))
		}
		for _, sel := range po.absent {
			preds = append(preds, waiters.SelectorAbsent(client, sel))
		}
		if po.expr != "" {
			preds = append(preds, waiters.Expression(client, po.expr))
		}
		if tracker != nil {
			preds = append(preds, waiters.NetworkIdle(tracker, po.networkIdle))
		}
		pred := allOf(preds...)
		if po.failOn != "" {
			pred = waiters.FailOnSelector(client, po.failOn, pred)
		}
		return untilClosed(client, pred)
	}

	return env.wait("page:"+describePage(po), env.timeout(timeout), newPred)
}

// untilClosed fails pred once the browser connection has ended.
func untilClosed(client *cdp.Client, pred poll.Predicate) poll.Predicate {
	return func(ctx context.Context) (poll.Status, error) {
		select {
		case <-client.Done():
			return poll.Failed, cdp.ErrDisconnected
		default:
		}
		return pred(ctx)
	}
}

// parseViewport returns the viewport named by s, or def when s is empty.
func parseViewport(s string, def config.Viewport) (config.Viewport, bool, error) {
	if s == "" {
		return def, false, nil
	}
	if w, h, ok := strings.Cut(strings.ToLower(s), "x"); ok {
		width, werr := strconv.ParseInt(w, 10, 64)
		height, herr := strconv.ParseInt(h, 10, 64)
		if werr != nil || herr != nil || width <= 0 || height <= 0 {
			return config.Viewport{}, false, fmt.Errorf("invalid viewport %q", s)
		}
		return config.Viewport{Width: width, Height: height}, true, nil
	}
	vp, err := config.ViewportPreset(s)
	if err != nil {
		return config.Viewport{}, false, err
	}
	return vp, true, nil
}

func resolveURL(base, u string) string {
	if strings.Contains(u, "://") || base == "" {
		return u
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(u, "/")
}

func describePage(po *pageOptions) string {
	var parts []string
	if po.pageLoad {
		parts = append(parts, "load")
	}
	if po.animations {
		parts = append(parts, "animations")
	}
	for _, sel := range po.absent {
		parts = append(parts, "absent("+sel+")")
	}
	if po.expr != "" {
		parts = append(parts, "expr")
	}
	if po.networkIdle > 0 {
		parts = append(parts, "network-idle")
	}
	return strings.Join(parts, "+")
}
