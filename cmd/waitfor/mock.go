package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/xk6-storefront/mockapi"
)

func newMockCmd(opts *globalOptions) *cobra.Command {
	var (
		addr       string
		rateLimit  int
		retryAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve the deterministic storefront API mock",
		Long: `Serve the storefront API mock until interrupted. With --rate-limit N the
featured products route answers 429 after exactly N requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			env, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			mockOpts := []mockapi.Option{mockapi.WithLogger(env.logger)}
			if rateLimit > 0 {
				mockOpts = append(mockOpts, mockapi.WithRateLimit(rateLimit, retryAfter))
			}

			return serveMock(env.ctx, addr, mockapi.New(mockOpts...), func(a net.Addr) {
				_, _ = fmt.Fprintf(env.out, "storefront mock listening on http://%s\n", a)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "answer 429 on the featured route after this many requests")
	cmd.Flags().DurationVar(&retryAfter, "retry-after", time.Second, "Retry-After advertised when rate limited")

	return cmd
}

// serveMock serves h on addr until ctx is done.
func serveMock(ctx context.Context, addr string, h http.Handler, listening func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", addr, err)
	}
	listening(ln.Addr())

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down mock: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
