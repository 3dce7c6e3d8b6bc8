package mockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grafana/xk6-storefront/poll"
)

// Interception is a request served by the mock and its response.
type Interception struct {
	Route        string
	Method       string
	URL          string
	RequestBody  []byte
	Status       int
	Header       http.Header
	ResponseBody []byte
	Time         time.Time
}

// DecodeRequest decodes the JSON request body into v.
func (i Interception) DecodeRequest(v interface{}) error {
	if err := json.Unmarshal(i.RequestBody, v); err != nil {
		return fmt.Errorf("decoding %s request body: %w", i.Route, err)
	}
	return nil
}

// DecodeResponse decodes the JSON response body into v.
func (i Interception) DecodeResponse(v interface{}) error {
	if err := json.Unmarshal(i.ResponseBody, v); err != nil {
		return fmt.Errorf("decoding %s response body: %w", i.Route, err)
	}
	return nil
}

// Interceptions returns the recorded requests of route, oldest first. An
// empty route returns every request.
func (s *Server) Interceptions(route string) []Interception {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Interception
	for _, i := range s.interceptions {
		if route == "" || i.Route == route {
			out = append(out, i)
		}
	}
	return out
}

// Intercepted is satisfied once route has served at least n requests.
func (s *Server) Intercepted(route string, n int) poll.Predicate {
	return poll.Bool(func() bool {
		return len(s.Interceptions(route)) >= n
	})
}

// Wait polls until route has served n requests and returns the nth one.
func (s *Server) Wait(ctx context.Context, route string, n int, timeout time.Duration) (Interception, error) {
	if n < 1 {
		n = 1
	}
	out := poll.Poll(ctx, poll.Request{
		Name:      "mockapi:" + route,
		Predicate: s.Intercepted(route, n),
		Timeout:   timeout,
		Interval:  10 * time.Millisecond,
	})
	switch out.Kind {
	case poll.Satisfied:
		return s.Interceptions(route)[n-1], nil
	case poll.Cancelled:
		return Interception{}, ctx.Err()
	default:
		return Interception{}, fmt.Errorf("waiting for %s: %w", route, out.Err())
	}
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		rec := &recordingWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		i := Interception{
			Route:        routeName(r),
			Method:       r.Method,
			URL:          r.URL.String(),
			RequestBody:  reqBody,
			Status:       rec.status,
			Header:       w.Header().Clone(),
			ResponseBody: rec.body.Bytes(),
			Time:         time.Now(),
		}
		s.logger.Debugf("mockapi:intercept", "route:%s %s %s -> %d", i.Route, i.Method, i.URL, i.Status)

		s.mu.Lock()
		s.interceptions = append(s.interceptions, i)
		s.mu.Unlock()
	})
}
