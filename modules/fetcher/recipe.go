package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/credentials"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/modules/remote"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Locator enumerates the work of one source. Implementations additionally
// satisfy exactly one of RequestLocator or BundleLocator depending on
// whether they emit raw requests or pre-minted bundle references.
type Locator interface {
	Name() string
}

// RequestLocator produces requests for the loader to fetch. An empty batch
// with done == false means the locator is temporarily drained and will
// produce again once in-flight work lands; done == true means it will not
// produce again this run.
type RequestLocator interface {
	Locator
	NextRequests(ctx context.Context, rctx *RunContext) ([]*backend.RequestMeta, bool, error)
}

// BundleLocator mints bundle references directly, at most wanted per call.
// The done return follows the same contract as RequestLocator.
type BundleLocator interface {
	Locator
	NextBundles(ctx context.Context, rctx *RunContext, wanted int) ([]*backend.BundleRef, bool, error)
}

// RequestPostProcessor is fired after every successfully processed request,
// on all locators that expose it. Implementations are expected to ignore
// requests that did not originate with them.
type RequestPostProcessor interface {
	HandleURLProcessed(ctx context.Context, req *backend.RequestMeta, refs []*backend.BundleRef, rctx *RunContext) error
}

// RequestErrorHandler is fired on the originating locator when a request
// fails for good, so resumable locators can unblock or skip it.
type RequestErrorHandler interface {
	HandleURLError(ctx context.Context, req *backend.RequestMeta, processErr error, rctx *RunContext) error
}

// BundlePostProcessor is fired on the originating locator once one of its
// bundle references has been processed, successfully or not.
type BundlePostProcessor interface {
	HandleBundleProcessed(ctx context.Context, ref *backend.BundleRef, result []*backend.BundleRef, rctx *RunContext) error
	HandleBundleError(ctx context.Context, ref *backend.BundleRef, processErr error, rctx *RunContext) error
}

// Loader fetches the bytes behind one request and streams them into bundle
// storage, returning the references it completed.
type Loader interface {
	Load(ctx context.Context, req *backend.RequestMeta, storage bundledb.Storage, rctx *RunContext, recipe *Recipe) ([]*backend.BundleRef, error)
}

// HTTPClient is the slice of remote.HTTPManager the fetcher needs.
type HTTPClient interface {
	Do(ctx context.Context, cfg remote.HTTPConfig, method, url string, headers http.Header) (*http.Response, error)
}

// SFTPClient is the slice of remote.SFTPManager the fetcher needs.
type SFTPClient interface {
	ReadDir(ctx context.Context, cfg remote.SFTPConfig, path string) ([]os.FileInfo, error)
	Stat(ctx context.Context, cfg remote.SFTPConfig, path string) (os.FileInfo, error)
	Open(ctx context.Context, cfg remote.SFTPConfig, path string) (io.ReadCloser, error)
}

// AppConfig carries the shared providers of one run. Everything is passed
// explicitly, there are no package level singletons to reach for.
type AppConfig struct {
	Credentials credentials.Provider
	KV          kvstore.Store
	Storage     bundledb.Storage
	HTTP        HTTPClient
	SFTP        SFTPClient
}

// RunContext is the mutable state of one fetch run, shared by the locator
// loop and all workers.
type RunContext struct {
	RunID string
	App   AppConfig

	processed atomic.Int64

	mtx    sync.Mutex
	shared map[string]interface{}
	errs   []string
}

func NewRunContext(runID string, app AppConfig) *RunContext {
	return &RunContext{
		RunID:  runID,
		App:    app,
		shared: map[string]interface{}{},
	}
}

func (c *RunContext) Validate() error {
	if c.RunID == "" {
		return errors.New("run id is required")
	}
	if c.App.KV == nil {
		return errors.New("run context requires a kv store")
	}
	if c.App.Storage == nil {
		return errors.New("run context requires bundle storage")
	}
	return nil
}

func (c *RunContext) IncProcessed() {
	c.processed.Inc()
}

func (c *RunContext) Processed() int {
	return int(c.processed.Load())
}

// AddError records a partial failure. Errors never abort the run, they are
// reported in the run result.
func (c *RunContext) AddError(msg string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.errs = append(c.errs, msg)
}

func (c *RunContext) Errors() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]string, len(c.errs))
	copy(out, c.errs)
	return out
}

// SetShared publishes a value under key for other components of the same
// run. Locators use it to pass hints to their loader.
func (c *RunContext) SetShared(key string, value interface{}) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.shared[key] = value
}

func (c *RunContext) Shared(key string) (interface{}, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, ok := c.shared[key]
	return v, ok
}

// Recipe describes one data source: an ordered list of locators and the
// loader that fetches their work.
type Recipe struct {
	RecipeID string
	Locators []Locator
	Loader   Loader
}

var _ bundledb.Recipe = (*Recipe)(nil)

func (r *Recipe) ID() string {
	return r.RecipeID
}

func (r *Recipe) Validate() error {
	if r.RecipeID == "" {
		return errors.New("recipe id is required")
	}
	if len(r.Locators) == 0 {
		return errors.New("recipe requires at least one locator")
	}
	if r.Loader == nil {
		return errors.New("recipe requires a loader")
	}

	seen := map[string]struct{}{}
	for _, loc := range r.Locators {
		name := loc.Name()
		if name == "" {
			return errors.New("locator has no name")
		}
		if _, ok := seen[name]; ok {
			return errors.Errorf("duplicate locator name %s", name)
		}
		seen[name] = struct{}{}

		switch loc.(type) {
		case RequestLocator, BundleLocator:
		default:
			return errors.Errorf("locator %s emits neither requests nor bundles", name)
		}
	}
	return nil
}

// CompletionHooks satisfies bundledb.Recipe: every locator or loader that
// wants a callback once a bundle's manifest is durable.
func (r *Recipe) CompletionHooks() []bundledb.CompletionHook {
	var hooks []bundledb.CompletionHook
	for _, loc := range r.Locators {
		if h, ok := loc.(bundledb.CompletionHook); ok {
			hooks = append(hooks, h)
		}
	}
	if h, ok := r.Loader.(bundledb.CompletionHook); ok {
		hooks = append(hooks, h)
	}
	return hooks
}

func (r *Recipe) locatorByName(name string) Locator {
	for _, loc := range r.Locators {
		if loc.Name() == name {
			return loc
		}
	}
	return nil
}

// Requests queued on behalf of a locator are stamped with its name so the
// outcome can be routed back. Bundle flavored locators additionally ride
// their minted reference through the queue as a serialized flag.
const (
	flagLocator   = "locator"
	flagBundleRef = "bundle_ref"
)

func stampOrigin(req *backend.RequestMeta, locator string) {
	if req.Flags == nil {
		req.Flags = map[string]interface{}{}
	}
	if _, ok := req.Flags[flagLocator]; !ok {
		req.Flags[flagLocator] = locator
	}
}

func originLocator(req *backend.RequestMeta) string {
	name, _ := req.Flags[flagLocator].(string)
	return name
}

func requestFromBundleRef(ref *backend.BundleRef, locator string) (*backend.RequestMeta, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(ref)
	if err != nil {
		return nil, errors.Wrap(err, "encoding bundle ref")
	}
	return &backend.RequestMeta{
		URL: ref.PrimaryURL,
		Flags: map[string]interface{}{
			flagLocator:   locator,
			flagBundleRef: string(buf),
		},
	}, nil
}

func bundleRefFromRequest(req *backend.RequestMeta) (*backend.BundleRef, bool) {
	raw, ok := req.Flags[flagBundleRef].(string)
	if !ok {
		return nil, false
	}
	ref := &backend.BundleRef{}
	if err := json.Unmarshal([]byte(raw), ref); err != nil {
		return nil, false
	}
	if ref.BID == "" {
		return nil, false
	}
	return ref, true
}
