package fetcher

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
)

const parameterBatchSize = 10

// RequestParameterLocator serves a fixed list of requests straight from the
// recipe, batched up to ten per call. It keeps no durable state, a new run
// serves the full list again.
type RequestParameterLocator struct {
	name string

	mtx     sync.Mutex
	pending []*backend.RequestMeta
}

var (
	_ RequestLocator = (*RequestParameterLocator)(nil)
)

func NewRequestParameterLocator(name string, reqs []*backend.RequestMeta) (*RequestParameterLocator, error) {
	if name == "" {
		return nil, errors.New("locator name is required")
	}
	if len(reqs) == 0 {
		return nil, errors.New("request parameter locator requires at least one request")
	}

	pending := make([]*backend.RequestMeta, 0, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, errors.Wrapf(err, "request parameter %d", i)
		}
		pending = append(pending, req)
	}

	return &RequestParameterLocator{name: name, pending: pending}, nil
}

func (l *RequestParameterLocator) Name() string { return l.name }

func (l *RequestParameterLocator) NextRequests(ctx context.Context, _ *RunContext) ([]*backend.RequestMeta, bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if len(l.pending) == 0 {
		return nil, true, nil
	}

	n := parameterBatchSize
	if n > len(l.pending) {
		n = len(l.pending)
	}
	batch := l.pending[:n]
	l.pending = l.pending[n:]
	return batch, len(l.pending) == 0, nil
}
