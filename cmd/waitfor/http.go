package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grafana/xk6-storefront/jsexpr"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/probe"
	"github.com/grafana/xk6-storefront/waiters"
)

func newHTTPCmd(opts *globalOptions) *cobra.Command {
	var (
		method string
		status int
		expect string
		failOn []int
	)

	cmd := &cobra.Command{
		Use:   "http URL",
		Short: "Wait for an HTTP endpoint to answer as expected",
		Long: `Request URL until it answers with --status, or until the --expect
condition holds. The condition is a JavaScript expression over status,
headers, body (decoded JSON when possible) and text; calling fail(reason)
fails the wait.`,
		Example: `  waitfor http https://sweetshop.com/api/products --expect 'body.products.length > 0'
  waitfor http https://sweetshop.com/api/cart --fail-on 500 --timeout 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			url := args[0]
			var prog *jsexpr.Program
			if expect != "" {
				if prog, err = jsexpr.Compile(expect); err != nil {
					return err
				}
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

			tr := &waiters.Transport{}
			prober := probe.New(&http.Client{
				Transport: tr,
				Timeout:   env.settings.ResponseTimeout,
			}, env.logger)
			prober.SetTracer(env.tracer)
			reqMethod := strings.ToUpper(method)
			name := fmt.Sprintf("http:%s %s", reqMethod, url)

			err = env.wait(name, env.timeout(env.settings.RequestTimeout), func() poll.Predicate {
				if prog != nil {
					return prober.Expect(reqMethod, url, prog)
				}
				return prober.Status(reqMethod, url, status, failOn...)
			})
			env.logger.Debugf("waitfor:http", "%s sent %d requests", name, tr.Total())

			return err
		},
	}

	cmd.Flags().StringVar(&method, "method", http.MethodGet, "request method")
	cmd.Flags().IntVar(&status, "status", http.StatusOK, "expected status")
	cmd.Flags().StringVar(&expect, "expect", "", "JavaScript condition on the response")
	cmd.Flags().IntSliceVar(&failOn, "fail-on", nil, "statuses that fail the wait")

	return cmd
}
