/*
Copyright 2018-2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amari

import (
	"context"
	"net/http"
	"strconv"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/prometheus/client_golang/prometheus"
)

type HTTPStats struct {
	Duration clock.Duration
	Endpoint string
	Status   string
}

type contextKey struct{}

var statsContextKey = contextKey{}

// HTTPStatsHandler records outbound request counts and durations. Implements
// the Prometheus collector interface.
type HTTPStatsHandler struct {
	reqCh chan *HTTPStats
	wg    syncutil.WaitGroup

	httpRequestCount    *prometheus.CounterVec
	httpRequestDuration *prometheus.SummaryVec
}

var _ prometheus.Collector = &HTTPStatsHandler{}

func NewHTTPStatsHandler() *HTTPStatsHandler {
	c := &HTTPStatsHandler{
		httpRequestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amari_http_request_count",
			Help: "Requests sent to the Amari API by status.",
		}, []string{"status", "endpoint"}),
		httpRequestDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "amari_http_request_duration_seconds",
			Help:       "Amari API request durations in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}, []string{"endpoint"}),
	}
	c.run()
	return c
}

func (c *HTTPStatsHandler) run() {
	c.reqCh = make(chan *HTTPStats, 10000)

	c.wg.Until(func(done chan struct{}) bool {
		select {
		case stat := <-c.reqCh:
			c.httpRequestCount.With(prometheus.Labels{"status": stat.Status, "endpoint": stat.Endpoint}).Inc()
			c.httpRequestDuration.With(prometheus.Labels{"endpoint": stat.Endpoint}).Observe(stat.Duration.Seconds())
		case <-done:
			return false
		}
		return true
	})
}

func (c *HTTPStatsHandler) Describe(ch chan<- *prometheus.Desc) {
	c.httpRequestCount.Describe(ch)
	c.httpRequestDuration.Describe(ch)
}

func (c *HTTPStatsHandler) Collect(ch chan<- prometheus.Metric) {
	c.httpRequestCount.Collect(ch)
	c.httpRequestDuration.Collect(ch)
}

func (c *HTTPStatsHandler) Close() {
	c.wg.Stop()
}

// RoundTripper wraps next so every request carrying HTTPStats in its
// context is timed and counted.
func (c *HTTPStatsHandler) RoundTripper(next http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		rs := StatsFromContext(req.Context())
		if rs == nil {
			return next.RoundTrip(req)
		}

		// Redirects reuse the request context, so each round trip reports
		// its own copy.
		stat := *rs
		start := clock.Now()
		resp, err := next.RoundTrip(req)
		stat.Duration = clock.Now().Sub(start)
		if err != nil {
			stat.Status = "failed"
		} else {
			stat.Status = strconv.Itoa(resp.StatusCode)
		}

		select {
		case c.reqCh <- &stat:
		default:
			// stats queue is full; drop it
		}
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Returns a new `context.Context` that holds a reference to `HTTPStats`.
func ContextWithStats(ctx context.Context, stats *HTTPStats) context.Context {
	return context.WithValue(ctx, statsContextKey, stats)
}

// Returns the `HTTPStats` previously associated with `ctx`.
func StatsFromContext(ctx context.Context) *HTTPStats {
	val := ctx.Value(statsContextKey)
	if rs, ok := val.(*HTTPStats); ok {
		return rs
	}
	return nil
}
