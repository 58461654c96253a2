package instrumentation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "datafetcher",
	Name:      "backend_request_duration_seconds",
	Help:      "Time spent doing backend storage requests.",
	Buckets:   prometheus.ExponentialBuckets(0.005, 4, 6),
}, []string{"operation", "status_code"})

type timingTransport struct {
	next http.RoundTripper
}

// NewTransport wraps the next round tripper with per-request duration
// metrics, labeled by method and status code.
func NewTransport(next http.RoundTripper) http.RoundTripper {
	return timingTransport{
		next: next,
	}
}

func (i timingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := i.next.RoundTrip(req)
	if err == nil {
		requestDuration.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	}
	return resp, err
}
