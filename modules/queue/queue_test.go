package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/datafetcher/modules/kvstore"
)

type testItem struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

func items(urls ...string) []testItem {
	out := make([]testItem, 0, len(urls))
	for _, u := range urls {
		out = append(out, testItem{URL: u})
	}
	return out
}

func newTestQueue(store kvstore.Store) *Queue[testItem] {
	return New[testItem](store, nil, "run-1", log.NewNopLogger())
}

// flakyStore fails the nth call of a kind, then heals.
type flakyStore struct {
	kvstore.Store
	putCalls, failPutOn       int
	deleteCalls, failDeleteOn int
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.putCalls++
	if f.putCalls == f.failPutOn {
		return errors.New("store unavailable")
	}
	return f.Store.Put(ctx, key, value, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.deleteCalls++
	if f.deleteCalls == f.failDeleteOn {
		return errors.New("store unavailable")
	}
	return f.Store.Delete(ctx, key)
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(kvstore.NewMemory())

	n, err := q.Enqueue(ctx, items("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	got, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].URL)

	// asking for more than available drains whatever is left, in order
	got, err = q.Dequeue(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].URL)
	assert.Equal(t, "c", got[1].URL)

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestInterleavedEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(kvstore.NewMemory())

	var got []string
	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, items(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)

		if i%2 == 1 {
			out, err := q.Dequeue(ctx, 1)
			require.NoError(t, err)
			require.Len(t, out, 1)
			got = append(got, out[0].URL)
		}
	}

	for {
		out, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		if len(out) == 0 {
			break
		}
		got = append(got, out[0].URL)
	}

	require.Len(t, got, 10)
	for i, u := range got {
		assert.Equal(t, fmt.Sprintf("u%d", i), u)
	}
}

func TestEdgePolicies(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(kvstore.NewMemory())

	n, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = q.Enqueue(ctx, items("a"))
	require.NoError(t, err)

	got, err = q.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = q.Dequeue(ctx, -3)
	require.NoError(t, err)
	assert.Empty(t, got)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestPeekDoesNotRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(kvstore.NewMemory())

	_, err := q.Enqueue(ctx, items("a", "b", "c"))
	require.NoError(t, err)

	peeked, err := q.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "a", peeked[0].URL)
	assert.Equal(t, "b", peeked[1].URL)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	got, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].URL)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	q := newTestQueue(store)

	_, err := q.Enqueue(ctx, items("a", "b", "c"))
	require.NoError(t, err)

	removed, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	keys, err := store.Scan(ctx, "fetch:run-1:items:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	q1 := newTestQueue(store)
	_, err := q1.Enqueue(ctx, items("a", "b"))
	require.NoError(t, err)

	// new instance over the same store, as after a process restart
	q2 := newTestQueue(store)
	got, err := q2.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].URL)
	assert.Equal(t, "b", got[1].URL)
}

func TestRunNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	qa := New[testItem](store, nil, "run-a", log.NewNopLogger())
	qb := New[testItem](store, nil, "run-b", log.NewNopLogger())

	_, err := qa.Enqueue(ctx, items("a"))
	require.NoError(t, err)

	size, err := qb.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := qb.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEnqueueCompensatesOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	// third item put fails; recovery scan/counter reads do not Put
	store := &flakyStore{Store: mem, failPutOn: 3}
	q := newTestQueue(store)

	_, err := q.Enqueue(ctx, items("a", "b", "c"))
	require.Error(t, err)

	// earlier writes were rolled back
	keys, err := mem.Scan(ctx, "fetch:run-1:items:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	// the store healed, the queue keeps working and ids restart at 0
	n, err := q.Enqueue(ctx, items("d"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err = mem.Scan(ctx, "fetch:run-1:items:")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch:run-1:items:0"}, keys)
}

func TestEnqueueRecoversFromCounterWriteFailure(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	// puts 1-3 are the items, put 4 is next_id
	store := &flakyStore{Store: mem, failPutOn: 4}
	q := newTestQueue(store)

	_, err := q.Enqueue(ctx, items("a", "b", "c"))
	require.Error(t, err)

	// items are on disk but counters were never advanced; the next access
	// rebuilds them from the scan
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	got, err := q.Dequeue(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].URL)
}

func TestDequeueRecoversFromDeleteFailure(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	store := &flakyStore{Store: mem, failDeleteOn: 2}
	q := newTestQueue(store)

	_, err := q.Enqueue(ctx, items("a", "b", "c"))
	require.NoError(t, err)

	// delete of the second item fails; the first was already removed and
	// must still be handed out
	got, err := q.Dequeue(ctx, 3)
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].URL)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	got, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].URL)
	assert.Equal(t, "c", got[1].URL)
}

func TestRecoveryRebuildsStaleCounters(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	q1 := newTestQueue(store)
	_, err := q1.Enqueue(ctx, items("a", "b", "c"))
	require.NoError(t, err)

	// simulate a crash that left the size counter behind
	require.NoError(t, store.Put(ctx, "fetch:run-1:size", []byte("1"), 0))

	q2 := newTestQueue(store)
	size, err := q2.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestRecoveryAdoptsOrphanedItem(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	q1 := newTestQueue(store)
	_, err := q1.Enqueue(ctx, items("a"))
	require.NoError(t, err)

	// crash after the item write, before the counter update
	data, err := kvstore.JSONCodec{}.Marshal(testItem{URL: "orphan"})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "fetch:run-1:items:1", data, 0))

	q2 := newTestQueue(store)
	size, err := q2.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	got, err := q2.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].URL)
	assert.Equal(t, "orphan", got[1].URL)
}

func TestRecoveryRepairsCorruptCounters(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	q1 := newTestQueue(store)
	_, err := q1.Enqueue(ctx, items("a", "b"))
	require.NoError(t, err)

	// size claims more than next_id covers
	require.NoError(t, store.Put(ctx, "fetch:run-1:size", []byte("9"), 0))

	q2 := newTestQueue(store)
	size, err := q2.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	// garbage counter bytes
	require.NoError(t, store.Put(ctx, "fetch:run-1:next_id", []byte("banana"), 0))

	q3 := newTestQueue(store)
	got, err := q3.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].URL)
	assert.Equal(t, "b", got[1].URL)
}

func TestRecoveryResetsCountersWithoutItems(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()

	require.NoError(t, store.Put(ctx, "fetch:run-1:next_id", []byte("7"), 0))
	require.NoError(t, store.Put(ctx, "fetch:run-1:size", []byte("4"), 0))

	q := newTestQueue(store)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	next, err := store.Get(ctx, "fetch:run-1:next_id")
	require.NoError(t, err)
	assert.Equal(t, []byte("0"), next)
}

func TestPoisonItemSurfacesError(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	q := newTestQueue(store)

	_, err := q.Enqueue(ctx, items("a"))
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "fetch:run-1:items:0", []byte("{not json"), 0))

	_, err = q.Dequeue(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deserializing")

	// the poison item is not silently dropped
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestClosedQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(kvstore.NewMemory())

	require.NoError(t, q.Close())

	_, err := q.Enqueue(ctx, items("a"))
	assert.Equal(t, ErrClosed, err)
	_, err = q.Dequeue(ctx, 1)
	assert.Equal(t, ErrClosed, err)
	_, err = q.Size(ctx)
	assert.Equal(t, ErrClosed, err)
}
