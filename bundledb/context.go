package bundledb

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/kvstore"
)

// completion steps, in order
const (
	stepManifest = iota
	stepPending
	stepHooks
	stepPublish
	stepUnpend
	stepDone
)

func stepName(step int) string {
	switch step {
	case stepManifest:
		return "manifest"
	case stepPending:
		return "pending"
	case stepHooks:
		return "hooks"
	case stepPublish:
		return "publish"
	case stepUnpend:
		return "unpend"
	}
	return "done"
}

// pendingRecord is the durable trace of a bundle that finished storing but
// whose completion has not yet been acknowledged downstream.
type pendingRecord struct {
	BundleRef *backend.BundleRef     `json:"bundle_ref"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// BundleContext collects the resources of one bundle and drives its
// completion. AddResource calls are serialized per bundle; decorator fan-out
// happens beneath the writer, so every derived resource is recorded before
// the call returns.
//
// Complete walks manifest write, pending record, hooks, publish, pending
// delete. It is idempotent: after success further calls are no-ops, after a
// failure the next call resumes from the step that failed.
type BundleContext struct {
	logger log.Logger
	w      backend.Writer
	store  kvstore.Store
	pub    Publisher

	recipeID string
	hooks    []CompletionHook
	ref      *backend.BundleRef

	mtx      sync.Mutex
	manifest *backend.Manifest
	meta     map[string]interface{}
	step     int
}

// BID returns the id of the bundle this context stores.
func (c *BundleContext) BID() backend.BID {
	return c.ref.BID
}

// AddResource streams one resource into the bundle. Resources can be added
// until the manifest is written by the first Complete call.
func (c *BundleContext) AddResource(ctx context.Context, name string, meta backend.ResourceMeta, r io.Reader) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.step != stepManifest {
		return fmt.Errorf("bundle %s completion already started", c.ref.BID)
	}

	stored, err := c.w.StoreResource(ctx, c.ref.BID, name, meta, r)
	if err != nil {
		return err
	}

	c.manifest.ResourceStored(stored...)
	return nil
}

// Complete finalizes the bundle. The metadata of the first call is
// authoritative; retries reuse it.
func (c *BundleContext) Complete(ctx context.Context, meta map[string]interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.step == stepDone {
		return nil
	}
	if c.meta == nil {
		c.meta = meta
	}

	for c.step < stepDone {
		if err := c.runStep(ctx); err != nil {
			metricCompletionFailures.WithLabelValues(stepName(c.step)).Inc()
			return err
		}
		c.step++
	}

	metricBundlesCompleted.Inc()
	level.Debug(c.logger).Log("msg", "bundle completed", "bid", c.ref.BID, "resources", len(c.manifest.Resources))
	return nil
}

func (c *BundleContext) runStep(ctx context.Context) error {
	switch c.step {
	case stepManifest:
		c.manifest.CompletedAt = time.Now().UTC()
		c.manifest.Meta = c.meta
		c.ref.ResourcesCount = len(c.manifest.Resources)
		key, err := c.w.StoreManifest(ctx, c.ref.BID, c.manifest)
		if err != nil {
			return err
		}
		c.ref.StorageKey = key

	case stepPending:
		buf, err := json.Marshal(pendingRecord{
			BundleRef: c.ref,
			Metadata:  c.meta,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return c.store.Put(ctx, PendingKey(c.recipeID, c.ref.BID), buf, 0)

	case stepHooks:
		fireHooks(ctx, c.logger, c.hooks, c.ref)

	case stepPublish:
		return c.pub.PublishBundleCompletion(ctx, c.ref, c.meta, c.recipeID)

	case stepUnpend:
		return c.store.Delete(ctx, PendingKey(c.recipeID, c.ref.BID))
	}

	return nil
}

// fireHooks runs every completion hook. Hook errors never stop completion,
// they are logged and counted.
func fireHooks(ctx context.Context, logger log.Logger, hooks []CompletionHook, ref *backend.BundleRef) {
	for _, h := range hooks {
		if err := h.OnBundleComplete(ctx, ref); err != nil {
			metricHookErrors.Inc()
			level.Error(logger).Log("msg", "bundle completion hook failed", "bid", ref.BID, "err", err)
		}
	}
}
