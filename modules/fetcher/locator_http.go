package fetcher

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/kvstore"
)

// SingleHTTPLocatorConfig describes a static list of urls fetched at most
// once each across runs.
type SingleHTTPLocatorConfig struct {
	Name    string            `yaml:"name"`
	URLs    []string          `yaml:"urls"`
	Headers map[string]string `yaml:"headers"`
	State   StateConfig       `yaml:"state"`
}

// SingleHTTPLocator serves its url list once. URLs that yielded a durable
// bundle are remembered in the kv store and skipped on later runs; urls that
// failed carry no marker and are retried on the next run.
type SingleHTTPLocator struct {
	cfg   SingleHTTPLocatorConfig
	state *locatorState

	mtx     sync.Mutex
	started bool
	pending []string
}

var (
	_ RequestLocator       = (*SingleHTTPLocator)(nil)
	_ RequestPostProcessor = (*SingleHTTPLocator)(nil)
)

func NewSingleHTTPLocator(cfg SingleHTTPLocatorConfig, kv kvstore.Store) (*SingleHTTPLocator, error) {
	if cfg.Name == "" {
		return nil, errors.New("locator name is required")
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.New("single http locator requires at least one url")
	}
	for i, u := range cfg.URLs {
		if u == "" {
			return nil, errors.Errorf("url %d is empty", i)
		}
	}
	cfg.State.applyDefaults(cfg.Name)

	return &SingleHTTPLocator{
		cfg:   cfg,
		state: newLocatorState(kv, cfg.State),
	}, nil
}

func (l *SingleHTTPLocator) Name() string { return l.cfg.Name }

func (l *SingleHTTPLocator) NextRequests(ctx context.Context, _ *RunContext) ([]*backend.RequestMeta, bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if !l.started {
		l.pending = append([]string(nil), l.cfg.URLs...)
		l.started = true
	}

	var urls []string
	for len(urls) < parameterBatchSize && len(l.pending) > 0 {
		u := l.pending[0]
		seen, err := l.state.urlProcessed(ctx, u)
		if err != nil {
			// put the batch back so nothing is lost, the next pass retries
			l.pending = append(urls, l.pending...)
			return nil, false, err
		}
		l.pending = l.pending[1:]
		if !seen {
			urls = append(urls, u)
		}
	}

	batch := make([]*backend.RequestMeta, 0, len(urls))
	for _, u := range urls {
		req := &backend.RequestMeta{URL: u}
		if len(l.cfg.Headers) > 0 {
			req.Headers = map[string]string{}
			for k, v := range l.cfg.Headers {
				req.Headers[k] = v
			}
		}
		batch = append(batch, req)
	}
	return batch, len(l.pending) == 0, nil
}

// HandleURLProcessed marks urls this locator emitted so later runs skip
// them, and keeps the outcome for inspection.
func (l *SingleHTTPLocator) HandleURLProcessed(ctx context.Context, req *backend.RequestMeta, refs []*backend.BundleRef, _ *RunContext) error {
	if originLocator(req) != l.cfg.Name {
		return nil
	}

	if err := l.state.markProcessedURL(ctx, req.URL); err != nil {
		return err
	}

	bids := make([]string, 0, len(refs))
	for _, ref := range refs {
		bids = append(bids, string(ref.BID))
	}
	return l.state.putResult(ctx, req.URL, map[string]interface{}{"bundles": bids})
}
