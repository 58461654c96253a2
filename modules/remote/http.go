package remote

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/opencivic/datafetcher/modules/credentials"
	"github.com/opencivic/datafetcher/pkg/gate"
	"github.com/opencivic/datafetcher/pkg/hedgedmetrics"
	"github.com/opencivic/datafetcher/pkg/retry"
)

var (
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "datafetcher",
		Name:      "remote_request_duration_seconds",
		Help:      "Time taken by remote protocol requests, per attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 6),
	}, []string{"protocol", "pool", "status"})
	metricRequestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "remote_request_retries_total",
		Help:      "Total number of retried remote protocol requests.",
	}, []string{"protocol", "pool"})
	metricHedgedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "datafetcher",
		Name:      "remote_hedged_roundtrips_total",
		Help:      "Total number of hedged requests. Registered as a gauge for code sanity. This is a counter.",
	})
)

// HTTPConfig describes one endpoint pool. Pools are keyed by Name; requests
// carrying the same Name share gates, rate limit, auth and client.
type HTTPConfig struct {
	Name              string            `yaml:"name"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	DefaultHeaders    map[string]string `yaml:"default_headers"`
	// FollowRedirects defaults to true; MaxRedirects bounds the chain.
	FollowRedirects    *bool        `yaml:"follow_redirects"`
	MaxRedirects       int          `yaml:"max_redirects"`
	InsecureSkipVerify bool         `yaml:"insecure_skip_verify"`
	Retry              retry.Config `yaml:"retry"`
	Gates              gate.Config  `yaml:"gates"`
	Auth               AuthConfig   `yaml:"auth"`

	// HedgeRequestsAt launches a second request if the first has not
	// returned by this duration. 0 disables hedging.
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`

	// CircuitBreaker stops hammering an endpoint after consecutive
	// failures instead of burning retry budget on every request.
	CircuitBreaker bool `yaml:"circuit_breaker"`
}

func (cfg *HTTPConfig) applyDefaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.HedgeRequestsUpTo == 0 {
		cfg.HedgeRequestsUpTo = 2
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.ConnectionProfile()
	}
}

func (cfg *HTTPConfig) key() string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return "default"
}

// HTTPManager hands out per-endpoint pools and keeps them for the process
// lifetime. The same config name always maps to the same pool, so gates and
// rate limits hold across callers.
type HTTPManager struct {
	creds  credentials.Provider
	logger log.Logger

	mtx   sync.Mutex
	pools map[string]*httpPool
}

func NewHTTP(creds credentials.Provider, logger log.Logger) *HTTPManager {
	return &HTTPManager{
		creds:  creds,
		logger: logger,
		pools:  map[string]*httpPool{},
	}
}

// Do issues one request through the pool for cfg: daily gate, interval gate,
// rate limit, auth, then the request itself, the whole sequence wrapped in
// the pool's retry engine. The response body is returned open; error-status
// responses are not errors here.
func (m *HTTPManager) Do(ctx context.Context, cfg HTTPConfig, method, url string, headers http.Header) (*http.Response, error) {
	pool, err := m.pool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool.request(ctx, method, url, headers)
}

// Shutdown closes idle connections and stops background publishers on every
// pool.
func (m *HTTPManager) Shutdown() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, p := range m.pools {
		p.close()
	}
	m.pools = map[string]*httpPool{}
}

func (m *HTTPManager) pool(ctx context.Context, cfg HTTPConfig) (*httpPool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if p, ok := m.pools[cfg.key()]; ok {
		return p, nil
	}

	p, err := newHTTPPool(ctx, cfg, m.creds, log.With(m.logger, "pool", cfg.key()))
	if err != nil {
		return nil, errors.Wrapf(err, "building http pool %s", cfg.key())
	}
	m.pools[cfg.key()] = p
	return p, nil
}

type httpPool struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	gates   gate.Chain
	engine  *retry.Engine
	auth    Authenticator
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger

	stopHedgeMetrics func()
}

func newHTTPPool(ctx context.Context, cfg HTTPConfig, creds credentials.Provider, logger log.Logger) (*httpPool, error) {
	cfg.applyDefaults()

	gates, err := cfg.Gates.Build()
	if err != nil {
		return nil, err
	}
	engine, err := retry.New(cfg.Retry)
	if err != nil {
		return nil, err
	}
	auth, err := NewAuthenticator(ctx, cfg.Auth, creds)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	customTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		// the header timeout bounds each request without cutting off
		// long body streams
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   4,
	}
	if cfg.InsecureSkipVerify {
		customTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	p := &httpPool{
		cfg:     cfg,
		limiter: limiter,
		gates:   gates,
		engine:  engine,
		auth:    auth,
		logger:  logger,
	}

	var transport http.RoundTripper = customTransport
	if cfg.HedgeRequestsAt != 0 {
		var stats *hedgedhttp.Stats
		transport, stats, err = hedgedhttp.NewRoundTripperAndStats(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, transport)
		if err != nil {
			return nil, err
		}
		p.stopHedgeMetrics = hedgedmetrics.Publish(stats, metricHedgedRequests)
	}

	p.client = &http.Client{
		Transport:     transport,
		CheckRedirect: redirectPolicy(cfg),
	}

	if cfg.CircuitBreaker {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     cfg.key(),
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				level.Warn(logger).Log("msg", "circuit breaker state change", "pool", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return p, nil
}

func redirectPolicy(cfg HTTPConfig) func(*http.Request, []*http.Request) error {
	if cfg.FollowRedirects != nil && !*cfg.FollowRedirects {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	max := cfg.MaxRedirects
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return errors.Errorf("stopped after %d redirects", max)
		}
		return nil
	}
}

func (p *httpPool) request(ctx context.Context, method, url string, headers http.Header) (*http.Response, error) {
	var (
		resp     *http.Response
		attempts int
	)

	err := p.engine.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metricRequestRetries.WithLabelValues("http", p.cfg.key()).Inc()
			level.Debug(p.logger).Log("msg", "retrying request", "method", method, "url", url, "attempt", attempts)
		}

		if err := p.gates.WaitIfNeeded(ctx); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return retry.Permanent(errors.Wrapf(err, "building request for %s", url))
		}
		for k, v := range p.cfg.DefaultHeaders {
			req.Header.Set(k, v)
		}
		for k, vs := range headers {
			req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
		}
		// auth runs inside the retry loop so expired tokens are refreshed
		// on the next attempt
		if err := p.auth.Authenticate(ctx, req.Header); err != nil {
			return err
		}

		start := time.Now()
		r, err := p.do(req)
		metricRequestDuration.WithLabelValues("http", p.cfg.key(), statusLabel(r, err)).Observe(time.Since(start).Seconds())
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, url)
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *httpPool) do(req *http.Request) (*http.Response, error) {
	if p.breaker == nil {
		return p.client.Do(req)
	}

	r, err := p.breaker.Execute(func() (interface{}, error) {
		return p.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return r.(*http.Response), nil
}

func (p *httpPool) close() {
	p.client.CloseIdleConnections()
	if p.stopHedgeMetrics != nil {
		p.stopHedgeMetrics()
	}
}

func statusLabel(resp *http.Response, err error) string {
	if err != nil {
		return "error"
	}
	return strconv.Itoa(resp.StatusCode)
}
