package fetcher

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/modules/queue"
	"github.com/opencivic/datafetcher/pkg/util"
)

var (
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "datafetcher",
		Name:      "fetcher_queue_depth",
		Help:      "Depth of the request queue as last observed by the locator loop.",
	})
	metricRequestsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "fetcher_requests_processed_total",
		Help:      "Total number of requests processed successfully.",
	})
	metricRequestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "fetcher_request_errors_total",
		Help:      "Total number of requests that failed processing.",
	})
	metricLocatorItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "fetcher_locator_items_total",
		Help:      "Total number of work items produced per locator.",
	}, []string{"locator"})
	metricLocatorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "fetcher_locator_errors_total",
		Help:      "Total number of locator failures.",
	}, []string{"locator"})
)

// Config sizes the run loop.
type Config struct {
	Concurrency     int           `yaml:"concurrency"`
	TargetQueueSize int           `yaml:"target_queue_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Concurrency, util.PrefixConfig(prefix, "concurrency"), 4, "number of concurrent workers processing requests.")
	f.IntVar(&cfg.TargetQueueSize, util.PrefixConfig(prefix, "target-queue-size"), 20, "queue depth the locator loop keeps topped up.")
	f.DurationVar(&cfg.PollInterval, util.PrefixConfig(prefix, "poll-interval"), 100*time.Millisecond, "how long the loops idle when there is nothing to do.")
}

// Result summarizes one run. Partial failures do not fail the run, they are
// collected in Errors.
type Result struct {
	ProcessedCount int
	Errors         []string
	Context        *RunContext
}

// Fetcher pumps work from a recipe's locators through the persistent queue
// into its loader. One locator goroutine keeps the queue topped up to the
// target size while workers drain it.
type Fetcher struct {
	cfg    Config
	logger log.Logger
}

func New(cfg Config, logger log.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.TargetQueueSize <= 0 {
		cfg.TargetQueueSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Run executes one fetch run to completion. It returns once every locator is
// exhausted and the queue is drained, or once ctx is cancelled; on
// cancellation the partial result is returned alongside the context error.
func (f *Fetcher) Run(ctx context.Context, recipe *Recipe, rctx *RunContext) (*Result, error) {
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	if err := rctx.Validate(); err != nil {
		return nil, err
	}

	logger := log.With(f.logger, "recipe", recipe.ID(), "run", rctx.RunID)

	// Redeliver completion events a previous run left pending before any
	// new work is produced.
	if err := rctx.App.Storage.OnRunStart(ctx, recipe); err != nil {
		return nil, errors.Wrap(err, "redelivering pending completions")
	}

	q := queue.New[backend.RequestMeta](rctx.App.KV, kvstore.JSONCodec{}, rctx.RunID, logger)

	level.Info(logger).Log("msg", "FETCHER_RUN_STARTED",
		"locators", len(recipe.Locators),
		"concurrency", f.cfg.Concurrency,
		"target_queue_size", f.cfg.TargetQueueSize)

	locatorsDone := atomic.NewBool(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer locatorsDone.Store(true)
		f.locatorLoop(gctx, logger, recipe, rctx, q)
		return nil
	})
	for i := 0; i < f.cfg.Concurrency; i++ {
		workerLogger := log.With(logger, "worker", i)
		g.Go(func() error {
			f.workerLoop(gctx, workerLogger, recipe, rctx, q, locatorsDone)
			return nil
		})
	}
	_ = g.Wait() // the loops stop on their own, they never fail the group

	if err := q.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close request queue", "err", err)
	}

	res := &Result{
		ProcessedCount: rctx.Processed(),
		Errors:         rctx.Errors(),
		Context:        rctx,
	}
	level.Info(logger).Log("msg", "FETCHER_RUN_FINISHED", "processed", res.ProcessedCount, "errors", len(res.Errors))
	return res, ctx.Err()
}

// locatorLoop fills the queue from the recipe's locators in declaration
// order. It stays on one locator while it produces, advances on empty, error
// or exhaustion, and exits once every locator reported done.
func (f *Fetcher) locatorLoop(ctx context.Context, logger log.Logger, recipe *Recipe, rctx *RunContext, q *queue.Queue[backend.RequestMeta]) {
	done := make([]bool, len(recipe.Locators))
	idx := 0
	fruitless := 0 // consecutive locators that produced nothing

	pending := func() int {
		n := 0
		for _, d := range done {
			if !d {
				n++
			}
		}
		return n
	}
	advance := func() {
		for i := 0; i < len(done); i++ {
			idx = (idx + 1) % len(done)
			if !done[idx] {
				return
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if pending() == 0 {
			level.Info(logger).Log("msg", "LOCATOR_THREAD_COMPLETED")
			return
		}
		if done[idx] {
			advance()
			continue
		}

		size, err := q.Size(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "locator loop cannot read queue size", "err", err)
			if !sleepCtx(ctx, f.cfg.PollInterval) {
				return
			}
			continue
		}
		metricQueueDepth.Set(float64(size))
		if size >= f.cfg.TargetQueueSize {
			if !sleepCtx(ctx, f.cfg.PollInterval) {
				return
			}
			continue
		}

		loc := recipe.Locators[idx]
		items, locDone, err := nextItems(ctx, loc, rctx, f.cfg.TargetQueueSize-size)
		switch {
		case err != nil:
			metricLocatorErrors.WithLabelValues(loc.Name()).Inc()
			rctx.AddError(fmt.Sprintf("Error from locator %s: %s", loc.Name(), err))
			level.Warn(logger).Log("msg", "locator failed, advancing", "locator", loc.Name(), "err", err)
			fruitless++
			advance()

		case len(items) > 0:
			fruitless = 0
			for _, req := range items {
				stampOrigin(req, loc.Name())
			}
			if err := enqueue(ctx, q, items); err != nil {
				rctx.AddError(fmt.Sprintf("Error enqueuing requests from %s: %s", loc.Name(), err))
				level.Error(logger).Log("msg", "enqueue failed", "locator", loc.Name(), "err", err)
				f.dropItems(ctx, logger, loc, rctx, items, err)
			} else {
				metricLocatorItems.WithLabelValues(loc.Name()).Add(float64(len(items)))
			}
			if locDone {
				done[idx] = true
				level.Debug(logger).Log("msg", "locator exhausted", "locator", loc.Name())
				advance()
			}

		default:
			if locDone {
				done[idx] = true
				level.Debug(logger).Log("msg", "locator exhausted", "locator", loc.Name())
			} else {
				fruitless++
			}
			advance()
		}

		// a full fruitless pass means everything left is waiting on
		// in-flight work, idle instead of spinning
		if fruitless > 0 && fruitless >= pending() {
			fruitless = 0
			if !sleepCtx(ctx, f.cfg.PollInterval) {
				return
			}
		}
	}
}

func nextItems(ctx context.Context, loc Locator, rctx *RunContext, wanted int) ([]*backend.RequestMeta, bool, error) {
	switch l := loc.(type) {
	case RequestLocator:
		return l.NextRequests(ctx, rctx)
	case BundleLocator:
		refs, locDone, err := l.NextBundles(ctx, rctx, wanted)
		if err != nil {
			return nil, false, err
		}
		items := make([]*backend.RequestMeta, 0, len(refs))
		for _, ref := range refs {
			req, err := requestFromBundleRef(ref, loc.Name())
			if err != nil {
				return nil, false, err
			}
			items = append(items, req)
		}
		return items, locDone, nil
	}
	return nil, true, errors.Errorf("locator %s emits neither requests nor bundles", loc.Name())
}

// dropItems routes items lost before they reached the queue to their
// locator's error handlers, so resumable walks do not stall waiting for an
// outcome that will never arrive.
func (f *Fetcher) dropItems(ctx context.Context, logger log.Logger, loc Locator, rctx *RunContext, items []*backend.RequestMeta, cause error) {
	for _, req := range items {
		if ref, ok := bundleRefFromRequest(req); ok {
			if pp, ok := loc.(BundlePostProcessor); ok {
				if herr := pp.HandleBundleError(ctx, ref, cause, rctx); herr != nil {
					level.Warn(logger).Log("msg", "bundle error handler failed", "locator", loc.Name(), "err", herr)
				}
			}
			continue
		}
		if eh, ok := loc.(RequestErrorHandler); ok {
			if herr := eh.HandleURLError(ctx, req, cause, rctx); herr != nil {
				level.Warn(logger).Log("msg", "request error handler failed", "locator", loc.Name(), "err", herr)
			}
		}
	}
}

func enqueue(ctx context.Context, q *queue.Queue[backend.RequestMeta], items []*backend.RequestMeta) error {
	vals := make([]backend.RequestMeta, 0, len(items))
	for _, req := range items {
		vals = append(vals, *req)
	}
	_, err := q.Enqueue(ctx, vals)
	return err
}

// workerLoop drains the queue one request at a time and exits once the queue
// is empty and the locator loop has finished.
func (f *Fetcher) workerLoop(ctx context.Context, logger log.Logger, recipe *Recipe, rctx *RunContext, q *queue.Queue[backend.RequestMeta], locatorsDone *atomic.Bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		items, err := q.Dequeue(ctx, 1)
		if err != nil {
			// items already removed from the queue are still returned,
			// process them before backing off
			rctx.AddError(fmt.Sprintf("Error dequeuing request: %s", err))
			level.Error(logger).Log("msg", "dequeue failed", "err", err)
		}
		if len(items) == 0 {
			if err == nil && locatorsDone.Load() {
				return
			}
			if !sleepCtx(ctx, f.cfg.PollInterval) {
				return
			}
			continue
		}
		for i := range items {
			f.process(ctx, logger, recipe, rctx, &items[i])
		}
	}
}

// process runs one request through the loader and routes the outcome to the
// interested locators.
func (f *Fetcher) process(ctx context.Context, logger log.Logger, recipe *Recipe, rctx *RunContext, req *backend.RequestMeta) {
	level.Debug(logger).Log("msg", "WORKER_PROCESS_URL", "url", req.URL)

	origin := recipe.locatorByName(originLocator(req))
	ref, fromBundle := bundleRefFromRequest(req)

	refs, err := recipe.Loader.Load(ctx, req, rctx.App.Storage, rctx, recipe)
	if err != nil {
		metricRequestErrors.Inc()
		rctx.AddError(fmt.Sprintf("Error processing request %s: %s", req.URL, err))
		level.Warn(logger).Log("msg", "request failed", "url", req.URL, "err", err)

		if fromBundle {
			if pp, ok := origin.(BundlePostProcessor); ok {
				if herr := pp.HandleBundleError(ctx, ref, err, rctx); herr != nil {
					level.Warn(logger).Log("msg", "bundle error handler failed", "locator", origin.Name(), "err", herr)
				}
			}
			return
		}
		if eh, ok := origin.(RequestErrorHandler); ok {
			if herr := eh.HandleURLError(ctx, req, err, rctx); herr != nil {
				level.Warn(logger).Log("msg", "request error handler failed", "locator", origin.Name(), "err", herr)
			}
		}
		return
	}

	metricRequestsProcessed.Inc()
	rctx.IncProcessed()

	// url post-processing fans out to every locator that tracks it, the
	// bundle callback goes to the originating locator only
	for _, loc := range recipe.Locators {
		pp, ok := loc.(RequestPostProcessor)
		if !ok {
			continue
		}
		if herr := pp.HandleURLProcessed(ctx, req, refs, rctx); herr != nil {
			rctx.AddError(fmt.Sprintf("Error in post-processing for %s: %s", req.URL, herr))
			level.Warn(logger).Log("msg", "post-processing failed", "locator", loc.Name(), "url", req.URL, "err", herr)
		}
	}

	if fromBundle {
		if pp, ok := origin.(BundlePostProcessor); ok {
			if herr := pp.HandleBundleProcessed(ctx, ref, refs, rctx); herr != nil {
				rctx.AddError(fmt.Sprintf("Error in post-processing for %s: %s", req.URL, herr))
				level.Warn(logger).Log("msg", "bundle post-processing failed", "locator", origin.Name(), "err", herr)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
