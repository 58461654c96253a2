package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/remote"
)

const (
	// flagCaptureBody asks the http loader to keep the head of the response
	// body in the bundle ref's metadata, where cursor strategies read it.
	flagCaptureBody = "capture_body"
	metaBodyHead    = "body_head"

	defaultCaptureBytes = 256 * 1024
)

type HTTPLoaderConfig struct {
	Protocol remote.HTTPConfig `yaml:"protocol"`
	// StoreErrorStatus keeps 4xx/5xx response bodies as bundle resources.
	// Defaults to true, sources with useless error pages can turn it off.
	StoreErrorStatus *bool `yaml:"store_error_status"`
	// CaptureBodyBytes caps the captured response head. 0 captures only
	// for requests that ask for it, with the default cap.
	CaptureBodyBytes int `yaml:"capture_body_bytes"`
}

// HTTPLoader fetches one request through the shared http manager and
// streams the response body into bundle storage.
type HTTPLoader struct {
	cfg HTTPLoaderConfig
}

var _ Loader = (*HTTPLoader)(nil)

func NewHTTPLoader(cfg HTTPLoaderConfig) *HTTPLoader {
	return &HTTPLoader{cfg: cfg}
}

func (l *HTTPLoader) Load(ctx context.Context, req *backend.RequestMeta, storage bundledb.Storage, rctx *RunContext, recipe *Recipe) ([]*backend.BundleRef, error) {
	if rctx.App.HTTP == nil {
		return nil, errors.New("run context has no http client")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ref, ok := bundleRefFromRequest(req)
	if !ok {
		ref = &backend.BundleRef{
			BID:        storage.BundleFound(*req),
			PrimaryURL: req.URL,
		}
	}

	bc, err := storage.StartBundle(ctx, ref, recipe)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	if req.Referer != "" {
		headers.Set("Referer", req.Referer)
	}

	resp, err := rctx.App.HTTP.Do(ctx, l.cfg.Protocol, http.MethodGet, req.URL, headers)
	if err != nil {
		// the request never produced bytes, there is no partial bundle
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	var head *headWriter
	if n := l.captureBytes(req); n > 0 {
		head = &headWriter{limit: n}
		body = io.TeeReader(resp.Body, head)
	}

	meta := backend.ResourceMeta{
		URL:         req.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if l.storeErrorStatus() || resp.StatusCode < 400 {
		if err := bc.AddResource(ctx, req.URL, meta, body); err != nil {
			return nil, err
		}
	} else {
		// drain so the connection can be reused, the body is dropped
		if _, err := io.Copy(io.Discard, body); err != nil {
			return nil, errors.Wrap(err, "draining response body")
		}
	}

	if head != nil && head.buf.Len() > 0 {
		if ref.Meta == nil {
			ref.Meta = map[string]interface{}{}
		}
		ref.Meta[metaBodyHead] = head.buf.String()
	}

	if err := bc.Complete(ctx, map[string]interface{}{
		"url":         req.URL,
		"status_code": resp.StatusCode,
	}); err != nil {
		return nil, err
	}
	return []*backend.BundleRef{ref}, nil
}

func (l *HTTPLoader) storeErrorStatus() bool {
	if l.cfg.StoreErrorStatus == nil {
		return true
	}
	return *l.cfg.StoreErrorStatus
}

func (l *HTTPLoader) captureBytes(req *backend.RequestMeta) int {
	if l.cfg.CaptureBodyBytes > 0 {
		return l.cfg.CaptureBodyBytes
	}
	if want, _ := req.Flags[flagCaptureBody].(bool); want {
		return defaultCaptureBytes
	}
	return 0
}

// headWriter keeps the first limit bytes and discards the rest.
type headWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		w.buf.Write(p[:room])
	}
	return len(p), nil
}
