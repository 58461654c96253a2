package bundledb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/bundledb/backend/local"
	"github.com/opencivic/datafetcher/bundledb/backend/s3"
	"github.com/opencivic/datafetcher/bundledb/targz"
	"github.com/opencivic/datafetcher/bundledb/tee"
	"github.com/opencivic/datafetcher/bundledb/zip"
	"github.com/opencivic/datafetcher/modules/kvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricBundlesFound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "bundledb_bundles_found_total",
		Help:      "Total number of bundle ids minted.",
	})
	metricBundlesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "bundledb_bundles_started_total",
		Help:      "Total number of bundle storage contexts opened.",
	})
	metricBundlesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "bundledb_bundles_completed_total",
		Help:      "Total number of bundles completed end to end.",
	})
	metricCompletionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "bundledb_completion_failures_total",
		Help:      "Total number of bundle completion attempts that failed, per step.",
	}, []string{"step"})
	metricHookErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "bundledb_hook_errors_total",
		Help:      "Total number of completion hooks that returned an error.",
	})
	metricPendingRedelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "bundledb_pending_redelivered_total",
		Help:      "Total number of pending completion records redelivered at run start.",
	})
)

const pendingKeyPrefix = "sqs_notifications:pending:"

// PendingKey returns the kv key holding the durable completion record for
// bid under recipeID.
func PendingKey(recipeID string, bid backend.BID) string {
	return pendingKeyPrefix + recipeID + ":" + string(bid)
}

func pendingScanPrefix(recipeID string) string {
	return pendingKeyPrefix + recipeID + ":"
}

// Publisher emits one completion message per finished bundle. Delivery is
// at-least-once; consumers dedupe by bundle id.
type Publisher interface {
	PublishBundleCompletion(ctx context.Context, ref *backend.BundleRef, meta map[string]interface{}, recipeID string) error
}

// CompletionHook is fired once a bundle's manifest is durable, before the
// completion message goes out. Locators and loaders implement it to record
// per-item progress.
type CompletionHook interface {
	OnBundleComplete(ctx context.Context, ref *backend.BundleRef) error
}

// Recipe is the slice of a fetch recipe the storage layer needs: a stable id
// for keyspaces and notifications, and the hooks to fire at completion.
type Recipe interface {
	ID() string
	CompletionHooks() []CompletionHook
}

// Storage mints bundle ids and hands out per-bundle contexts that stream
// resources through the decorator chain into the configured sink.
type Storage interface {
	// BundleFound mints the id for a freshly discovered bundle.
	BundleFound(meta backend.RequestMeta) backend.BID
	// StartBundle opens the storage context for one bundle.
	StartBundle(ctx context.Context, ref *backend.BundleRef, recipe Recipe) (*BundleContext, error)
	// OnRunStart redelivers completions left pending by an earlier crash.
	// It must be called once per run before any work is scheduled.
	OnRunStart(ctx context.Context, recipe Recipe) error
	Shutdown()
}

type storage struct {
	logger log.Logger
	cfg    *Config
	w      backend.Writer
	store  kvstore.Store
	pub    Publisher
}

func New(cfg *Config, store kvstore.Store, pub Publisher, logger log.Logger) (Storage, error) {
	if store == nil {
		return nil, fmt.Errorf("bundledb requires a kv store")
	}
	if pub == nil {
		return nil, fmt.Errorf("bundledb requires a publisher")
	}

	var (
		sink backend.Writer
		err  error
	)
	switch cfg.Backend {
	case BackendLocal:
		sink, err = local.New(cfg.Local)
	case BackendS3:
		sink, err = s3.New(cfg.S3)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return newStorage(cfg, sink, store, pub, logger), nil
}

func newStorage(cfg *Config, sink backend.Writer, store kvstore.Store, pub Publisher, logger log.Logger) *storage {
	chunk := cfg.ChunkSizeBytes
	if chunk <= 0 {
		chunk = tee.DefaultChunkSize
	}
	hw := cfg.HighWaterChunks
	if hw <= 0 {
		hw = tee.DefaultHighWater
	}

	w := targz.NewSized(sink, chunk, hw)
	if cfg.UseUnzip {
		w = zip.NewSized(w, chunk, hw)
	}

	return &storage{
		logger: logger,
		cfg:    cfg,
		w:      w,
		store:  store,
		pub:    pub,
	}
}

func (s *storage) BundleFound(meta backend.RequestMeta) backend.BID {
	bid := backend.NewBID(time.Now())
	metricBundlesFound.Inc()
	level.Debug(s.logger).Log("msg", "bundle discovered", "bid", bid, "url", meta.URL)
	return bid
}

func (s *storage) StartBundle(ctx context.Context, ref *backend.BundleRef, recipe Recipe) (*BundleContext, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	metricBundlesStarted.Inc()
	level.Debug(s.logger).Log("msg", "bundle started", "bid", ref.BID, "url", ref.PrimaryURL)

	return &BundleContext{
		logger:   s.logger,
		w:        s.w,
		store:    s.store,
		pub:      s.pub,
		recipeID: recipe.ID(),
		hooks:    recipe.CompletionHooks(),
		ref:      ref,
		manifest: backend.NewManifest(ref.BID, ref.PrimaryURL),
	}, nil
}

func (s *storage) OnRunStart(ctx context.Context, recipe Recipe) error {
	keys, err := s.store.Scan(ctx, pendingScanPrefix(recipe.ID()))
	if err != nil {
		return errors.Wrap(err, "error scanning pending completion records")
	}
	if len(keys) == 0 {
		return nil
	}

	level.Info(s.logger).Log("msg", "PENDING_COMPLETIONS_FOUND", "recipe", recipe.ID(), "count", len(keys))

	hooks := recipe.CompletionHooks()
	for _, key := range keys {
		buf, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			level.Warn(s.logger).Log("msg", "error reading pending completion record", "key", key, "err", err)
			continue
		}

		var rec pendingRecord
		if err := json.Unmarshal(buf, &rec); err != nil || rec.BundleRef == nil || rec.BundleRef.BID == "" {
			// malformed records are kept for inspection, never deleted
			level.Warn(s.logger).Log("msg", "skipping malformed pending completion record", "key", key, "err", err)
			continue
		}

		fireHooks(ctx, s.logger, hooks, rec.BundleRef)

		if err := s.pub.PublishBundleCompletion(ctx, rec.BundleRef, rec.Metadata, recipe.ID()); err != nil {
			// the record stays durable, the next run retries
			level.Warn(s.logger).Log("msg", "pending completion redelivery failed", "bid", rec.BundleRef.BID, "err", err)
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			level.Warn(s.logger).Log("msg", "error deleting delivered pending record", "key", key, "err", err)
			continue
		}
		metricPendingRedelivered.Inc()
	}

	return nil
}

func (s *storage) Shutdown() {
	s.w.Shutdown()
}
