package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opencivic/datafetcher/modules/kvstore"
)

var (
	metricEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "queue_enqueued_total",
		Help:      "Total number of items written to the request queue.",
	})
	metricDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "queue_dequeued_total",
		Help:      "Total number of items removed from the request queue.",
	})
	metricRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "datafetcher",
		Name:      "queue_recoveries_total",
		Help:      "Total number of times queue counters were rebuilt from a key scan.",
	})
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// Queue is a FIFO of serialized items persisted in a kvstore under
// fetch:{run_id}:. Items live at fetch:{run_id}:items:{id}; two counter keys
// track the next write slot and the current count:
//
//	fetch:{run_id}:next_id
//	fetch:{run_id}:size
//
// Item ids are contiguous: exactly [next_id-size, next_id). Counters are only
// advanced after the item writes they describe succeed, and a failed write
// triggers compensating deletes, so a crash never publishes items the
// counters do not cover. If a failure leaves the two out of sync anyway, the
// next access rebuilds the counters from a scan.
type Queue[T any] struct {
	store  kvstore.Store
	codec  kvstore.Codec
	ns     string
	logger log.Logger

	mtx           sync.Mutex
	checked       bool
	needsRecovery bool
	closed        bool
}

func New[T any](store kvstore.Store, codec kvstore.Codec, runID string, logger log.Logger) *Queue[T] {
	if codec == nil {
		codec = kvstore.JSONCodec{}
	}
	return &Queue[T]{
		store:  store,
		codec:  codec,
		ns:     "fetch:" + runID,
		logger: log.With(logger, "queue", runID),
	}
}

// Namespace returns the key prefix this queue writes under.
func (q *Queue[T]) Namespace() string { return q.ns }

// Enqueue appends items in order and returns how many were written. Either
// all items are appended or none are.
func (q *Queue[T]) Enqueue(ctx context.Context, items []T) (int, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if err := q.ensure(ctx); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	next, size, err := q.counters(ctx)
	if err != nil {
		return 0, err
	}

	var written []string
	compensate := func() {
		for _, key := range written {
			if delErr := q.store.Delete(ctx, key); delErr != nil {
				level.Warn(q.logger).Log("msg", "compensating delete failed", "key", key, "err", delErr)
				q.needsRecovery = true
			}
		}
	}

	for i, item := range items {
		data, err := q.codec.Marshal(item)
		if err != nil {
			compensate()
			return 0, errors.Wrap(err, "serializing queue item")
		}
		key := q.itemKey(next + uint64(i))
		if err := q.store.Put(ctx, key, data, 0); err != nil {
			compensate()
			return 0, errors.Wrapf(err, "writing queue item %s", key)
		}
		written = append(written, key)
	}

	if err := q.writeCounters(ctx, next+uint64(len(items)), size+uint64(len(items))); err != nil {
		q.needsRecovery = true
		return 0, err
	}

	metricEnqueued.Add(float64(len(items)))
	return len(items), nil
}

// Dequeue removes and returns up to max items in FIFO order. On a mid-path
// failure the items already removed from the store are still returned
// alongside the error so they are not lost.
func (q *Queue[T]) Dequeue(ctx context.Context, max int) ([]T, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	next, size, err := q.counters(ctx)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	n := uint64(max)
	if n > size {
		n = size
	}
	start := next - size

	var (
		out     []T
		loopErr error
	)
	for i := uint64(0); i < n; i++ {
		key := q.itemKey(start + i)

		data, err := q.store.Get(ctx, key)
		if err != nil {
			q.needsRecovery = true
			loopErr = errors.Wrapf(err, "reading queue item %s", key)
			break
		}

		var item T
		if err := q.codec.Unmarshal(data, &item); err != nil {
			loopErr = errors.Wrapf(err, "deserializing queue item %s", key)
			break
		}

		if err := q.store.Delete(ctx, key); err != nil {
			q.needsRecovery = true
			loopErr = errors.Wrapf(err, "deleting queue item %s", key)
			break
		}
		out = append(out, item)
	}

	if len(out) > 0 {
		if err := q.store.Put(ctx, q.sizeKey(), counterBytes(size-uint64(len(out))), 0); err != nil {
			q.needsRecovery = true
			if loopErr == nil {
				loopErr = errors.Wrap(err, "updating queue size")
			}
		}
		metricDequeued.Add(float64(len(out)))
	}

	return out, loopErr
}

// Peek returns up to max items in FIFO order without removing them.
func (q *Queue[T]) Peek(ctx context.Context, max int) ([]T, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	next, size, err := q.counters(ctx)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	n := uint64(max)
	if n > size {
		n = size
	}
	start := next - size

	out := make([]T, 0, n)
	for i := uint64(0); i < n; i++ {
		key := q.itemKey(start + i)

		data, err := q.store.Get(ctx, key)
		if err != nil {
			q.needsRecovery = true
			return nil, errors.Wrapf(err, "reading queue item %s", key)
		}
		var item T
		if err := q.codec.Unmarshal(data, &item); err != nil {
			return nil, errors.Wrapf(err, "deserializing queue item %s", key)
		}
		out = append(out, item)
	}

	return out, nil
}

func (q *Queue[T]) Size(ctx context.Context) (int, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if err := q.ensure(ctx); err != nil {
		return 0, err
	}

	_, size, err := q.counters(ctx)
	return int(size), err
}

// Clear removes all items and resets the counters. It returns the number of
// items removed.
func (q *Queue[T]) Clear(ctx context.Context) (int, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if err := q.ensure(ctx); err != nil {
		return 0, err
	}

	keys, err := q.store.Scan(ctx, q.ns+":items:")
	if err != nil {
		return 0, errors.Wrap(err, "scanning queue items")
	}

	removed := 0
	for _, key := range keys {
		if err := q.store.Delete(ctx, key); err != nil {
			q.needsRecovery = true
			return removed, errors.Wrapf(err, "deleting queue item %s", key)
		}
		removed++
	}

	if err := q.writeCounters(ctx, 0, 0); err != nil {
		q.needsRecovery = true
		return removed, err
	}
	return removed, nil
}

// Close marks the queue unusable. It does not close the underlying store,
// which is shared with other components.
func (q *Queue[T]) Close() error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.closed = true
	return nil
}

// ensure runs the consistency check on first use and again after any failure
// that may have left counters stale. Callers must hold the mutex.
func (q *Queue[T]) ensure(ctx context.Context) error {
	if q.closed {
		return ErrClosed
	}
	if q.checked && !q.needsRecovery {
		return nil
	}

	if err := q.recover(ctx); err != nil {
		return err
	}
	q.checked = true
	q.needsRecovery = false
	return nil
}

// recover rebuilds next_id and size from the item keys actually present.
// Item ids stay contiguous under normal operation (enqueue appends at the
// tail, dequeue deletes from the head), so the scan determines both counters.
func (q *Queue[T]) recover(ctx context.Context) error {
	keys, err := q.store.Scan(ctx, q.ns+":items:")
	if err != nil {
		return errors.Wrap(err, "scanning queue items")
	}

	// stored counters are read leniently here: recovery exists to rewrite
	// them, so unreadable values must not stop it
	next, nextErr := q.counter(ctx, q.nextIDKey())
	size, sizeErr := q.counter(ctx, q.sizeKey())
	countersOK := nextErr == nil && sizeErr == nil && size <= next

	if len(keys) == 0 {
		if !countersOK || next != 0 || size != 0 {
			level.Warn(q.logger).Log("msg", "queue counters nonzero or unreadable with no items, resetting", "next_id", next, "size", size)
			metricRecoveries.Inc()
			return q.writeCounters(ctx, 0, 0)
		}
		return nil
	}

	minID, maxID := uint64(0), uint64(0)
	for i, key := range keys {
		id, err := strconv.ParseUint(key[len(q.ns)+len(":items:"):], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "unparseable queue item key %s", key)
		}
		if i == 0 || id < minID {
			minID = id
		}
		if id > maxID {
			maxID = id
		}
	}

	wantNext, wantSize := maxID+1, maxID+1-minID
	if countersOK && next == wantNext && size == wantSize {
		return nil
	}

	level.Warn(q.logger).Log("msg", "queue counters inconsistent with items, rebuilding",
		"next_id", next, "size", size, "scanned_next_id", wantNext, "scanned_size", wantSize)
	metricRecoveries.Inc()
	return q.writeCounters(ctx, wantNext, wantSize)
}

func (q *Queue[T]) counters(ctx context.Context) (next, size uint64, err error) {
	next, err = q.counter(ctx, q.nextIDKey())
	if err != nil {
		return 0, 0, err
	}
	size, err = q.counter(ctx, q.sizeKey())
	if err != nil {
		return 0, 0, err
	}
	if size > next {
		q.needsRecovery = true
		return 0, 0, errors.Errorf("queue size %d exceeds next id %d", size, next)
	}
	return next, size, nil
}

func (q *Queue[T]) counter(ctx context.Context, key string) (uint64, error) {
	data, err := q.store.Get(ctx, key)
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading queue counter %s", key)
	}

	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unparseable queue counter %s", key)
	}
	return v, nil
}

func (q *Queue[T]) writeCounters(ctx context.Context, next, size uint64) error {
	if err := q.store.Put(ctx, q.nextIDKey(), counterBytes(next), 0); err != nil {
		return errors.Wrap(err, "updating queue next id")
	}
	if err := q.store.Put(ctx, q.sizeKey(), counterBytes(size), 0); err != nil {
		return errors.Wrap(err, "updating queue size")
	}
	return nil
}

func (q *Queue[T]) itemKey(id uint64) string {
	return q.ns + ":items:" + strconv.FormatUint(id, 10)
}

func (q *Queue[T]) nextIDKey() string { return q.ns + ":next_id" }
func (q *Queue[T]) sizeKey() string   { return q.ns + ":size" }

func counterBytes(v uint64) []byte {
	return []byte(strconv.FormatUint(v, 10))
}
