package bundledb

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/bundledb/backend/local"
	"github.com/opencivic/datafetcher/modules/kvstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCompleteHappyPath(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}
	hook := &recordingHook{}

	s := newStorage(&Config{UseUnzip: true}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1", hooks: []CompletionHook{hook}}

	bid := s.BundleFound(backend.RequestMeta{URL: "https://h/report"})
	ref := &backend.BundleRef{BID: bid, PrimaryURL: "https://h/report"}

	bc, err := s.StartBundle(context.Background(), ref, recipe)
	require.NoError(t, err)
	require.Equal(t, bid, bc.BID())

	require.NoError(t, bc.AddResource(context.Background(), "a.txt", backend.ResourceMeta{ContentType: "text/plain", StatusCode: 200}, strings.NewReader("hello")))
	require.NoError(t, bc.AddResource(context.Background(), "b.txt", backend.ResourceMeta{ContentType: "text/plain", StatusCode: 200}, strings.NewReader("world")))

	require.NoError(t, bc.Complete(context.Background(), map[string]interface{}{"k": "v"}))

	// manifest lists both resources and carries the completion metadata
	m := sink.manifest(t, bid)
	require.Len(t, m.Resources, 2)
	assert.Equal(t, "a.txt", m.Resources[0].Name)
	assert.Equal(t, "b.txt", m.Resources[1].Name)
	assert.Equal(t, "v", m.Meta["k"])
	assert.WithinDuration(t, time.Now(), m.CompletedAt, 10*time.Second)

	assert.Equal(t, 2, ref.ResourcesCount)
	assert.Equal(t, backend.ManifestName("", bid), ref.StorageKey)

	// published once, hook fired once, pending record gone
	require.Len(t, pub.snapshot(), 1)
	assert.Equal(t, "recipe-1", pub.snapshot()[0].recipeID)
	assert.Equal(t, bid, pub.snapshot()[0].ref.BID)
	require.Len(t, hook.snapshot(), 1)

	exists, err := store.Exists(context.Background(), PendingKey("recipe-1", bid))
	require.NoError(t, err)
	assert.False(t, exists)

	// second call is a no-op
	require.NoError(t, bc.Complete(context.Background(), nil))
	assert.Len(t, pub.snapshot(), 1)
	assert.Len(t, hook.snapshot(), 1)
}

func TestChainExtractsArchives(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}

	s := newStorage(&Config{UseUnzip: true}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1"}

	ref := &backend.BundleRef{BID: s.BundleFound(backend.RequestMeta{URL: "https://h/pkg"}), PrimaryURL: "https://h/pkg"}
	bc, err := s.StartBundle(context.Background(), ref, recipe)
	require.NoError(t, err)

	require.NoError(t, bc.AddResource(context.Background(), "https://h/pkg", backend.ResourceMeta{ContentType: "application/octet-stream"}, bytes.NewReader(testTarGz(t))))
	require.NoError(t, bc.AddResource(context.Background(), "https://h/arch", backend.ResourceMeta{ContentType: "application/octet-stream"}, bytes.NewReader(testZip(t))))
	require.NoError(t, bc.Complete(context.Background(), nil))

	names := sink.resourceNames()
	assert.ElementsMatch(t, []string{
		"https://h/pkg",
		"https://h/pkg/x.txt",
		"https://h/pkg/y.txt",
		"https://h/arch",
		"https://h/arch/a.txt",
	}, names)

	// derived resources land in the manifest with provenance
	m := sink.manifest(t, ref.BID)
	require.Len(t, m.Resources, 5)
	derived := 0
	for _, res := range m.Resources {
		if res.DerivedFrom != "" {
			derived++
		}
	}
	assert.Equal(t, 3, derived)
	assert.Equal(t, 5, ref.ResourcesCount)
}

func TestAddResourceAfterCompleteFails(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()

	s := newStorage(&Config{}, sink, store, &recordingPublisher{}, log.NewNopLogger())
	bc := startTestBundle(t, s, "recipe-1")

	require.NoError(t, bc.Complete(context.Background(), nil))
	err := bc.AddResource(context.Background(), "late.txt", backend.ResourceMeta{}, strings.NewReader("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "completion already started")
}

func TestCompleteResumesFromFailedPublish(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{failures: 1}
	hook := &recordingHook{}

	s := newStorage(&Config{}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1", hooks: []CompletionHook{hook}}

	ref := &backend.BundleRef{BID: s.BundleFound(backend.RequestMeta{URL: "https://h/x"}), PrimaryURL: "https://h/x"}
	bc, err := s.StartBundle(context.Background(), ref, recipe)
	require.NoError(t, err)
	require.NoError(t, bc.AddResource(context.Background(), "a.txt", backend.ResourceMeta{}, strings.NewReader("hello")))

	require.Error(t, bc.Complete(context.Background(), map[string]interface{}{"k": "v"}))

	// manifest written, hook fired, pending record durable, nothing published
	require.Equal(t, 1, sink.manifestCount())
	require.Len(t, hook.snapshot(), 1)
	require.Empty(t, pub.snapshot())
	exists, err := store.Exists(context.Background(), PendingKey("recipe-1", ref.BID))
	require.NoError(t, err)
	require.True(t, exists)

	// retry resumes at publish: no second manifest, no second hook firing
	require.NoError(t, bc.Complete(context.Background(), nil))
	assert.Equal(t, 1, sink.manifestCount())
	assert.Len(t, hook.snapshot(), 1)
	require.Len(t, pub.snapshot(), 1)
	assert.Equal(t, "v", pub.snapshot()[0].meta["k"])

	exists, err = store.Exists(context.Background(), PendingKey("recipe-1", ref.BID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompleteRetriesFailedManifest(t *testing.T) {
	sink := newRecordingSink()
	sink.failManifests = 1
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}
	hook := &recordingHook{}

	s := newStorage(&Config{}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1", hooks: []CompletionHook{hook}}

	ref := &backend.BundleRef{BID: s.BundleFound(backend.RequestMeta{URL: "https://h/x"}), PrimaryURL: "https://h/x"}
	bc, err := s.StartBundle(context.Background(), ref, recipe)
	require.NoError(t, err)

	require.Error(t, bc.Complete(context.Background(), nil))
	require.Empty(t, hook.snapshot())
	require.Empty(t, pub.snapshot())
	exists, err := store.Exists(context.Background(), PendingKey("recipe-1", ref.BID))
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, bc.Complete(context.Background(), nil))
	assert.Equal(t, 1, sink.manifestCount())
	assert.Len(t, hook.snapshot(), 1)
	assert.Len(t, pub.snapshot(), 1)
}

func TestHookErrorsDoNotBlockCompletion(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}
	angry := &recordingHook{err: fmt.Errorf("marker write failed")}
	calm := &recordingHook{}

	s := newStorage(&Config{}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1", hooks: []CompletionHook{angry, calm}}

	ref := &backend.BundleRef{BID: s.BundleFound(backend.RequestMeta{URL: "https://h/x"}), PrimaryURL: "https://h/x"}
	bc, err := s.StartBundle(context.Background(), ref, recipe)
	require.NoError(t, err)

	require.NoError(t, bc.Complete(context.Background(), nil))

	// the failing hook did not stop the healthy one or the publish
	require.Len(t, calm.snapshot(), 1)
	require.Len(t, pub.snapshot(), 1)
	exists, err := store.Exists(context.Background(), PendingKey("recipe-1", ref.BID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOnRunStartRedeliversPending(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}
	hook := &recordingHook{}

	s := newStorage(&Config{}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1", hooks: []CompletionHook{hook}}

	bid := backend.NewBID(time.Now())
	putPending(t, store, "recipe-1", bid, map[string]interface{}{"a": 1})

	malformedKey := PendingKey("recipe-1", backend.NewBID(time.Now()))
	require.NoError(t, store.Put(context.Background(), malformedKey, []byte("{not json"), 0))

	require.NoError(t, s.OnRunStart(context.Background(), recipe))

	// the good record was delivered and deleted
	require.Len(t, pub.snapshot(), 1)
	assert.Equal(t, bid, pub.snapshot()[0].ref.BID)
	assert.Equal(t, float64(1), pub.snapshot()[0].meta["a"])
	require.Len(t, hook.snapshot(), 1)

	exists, err := store.Exists(context.Background(), PendingKey("recipe-1", bid))
	require.NoError(t, err)
	assert.False(t, exists)

	// the malformed record was skipped without deletion
	exists, err = store.Exists(context.Background(), malformedKey)
	require.NoError(t, err)
	assert.True(t, exists)

	// nothing left to redeliver
	require.NoError(t, s.OnRunStart(context.Background(), recipe))
	assert.Len(t, pub.snapshot(), 1)
}

func TestOnRunStartKeepsRecordOnPublishFailure(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{failures: 1}

	s := newStorage(&Config{}, sink, store, pub, log.NewNopLogger())
	recipe := testRecipe{id: "recipe-1"}

	bid := backend.NewBID(time.Now())
	putPending(t, store, "recipe-1", bid, nil)

	// a failed redelivery does not abort the run and keeps the record
	require.NoError(t, s.OnRunStart(context.Background(), recipe))
	require.Empty(t, pub.snapshot())
	exists, err := store.Exists(context.Background(), PendingKey("recipe-1", bid))
	require.NoError(t, err)
	require.True(t, exists)

	// the next run delivers and deletes it
	require.NoError(t, s.OnRunStart(context.Background(), recipe))
	require.Len(t, pub.snapshot(), 1)
	exists, err = store.Exists(context.Background(), PendingKey("recipe-1", bid))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOnRunStartScopedToRecipe(t *testing.T) {
	sink := newRecordingSink()
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}

	s := newStorage(&Config{}, sink, store, pub, log.NewNopLogger())

	mine := backend.NewBID(time.Now())
	other := backend.NewBID(time.Now())
	putPending(t, store, "recipe-1", mine, nil)
	putPending(t, store, "recipe-2", other, nil)

	require.NoError(t, s.OnRunStart(context.Background(), testRecipe{id: "recipe-1"}))

	require.Len(t, pub.snapshot(), 1)
	assert.Equal(t, mine, pub.snapshot()[0].ref.BID)

	exists, err := store.Exists(context.Background(), PendingKey("recipe-2", other))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStartBundleValidates(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()

	s := newStorage(&Config{}, newRecordingSink(), store, &recordingPublisher{}, log.NewNopLogger())

	_, err := s.StartBundle(context.Background(), &backend.BundleRef{PrimaryURL: "https://h/x"}, testRecipe{id: "r"})
	require.ErrorIs(t, err, backend.ErrEmptyBundleID)

	_, err = s.StartBundle(context.Background(), &backend.BundleRef{BID: backend.NewBID(time.Now()), ResourcesCount: -1}, testRecipe{id: "r"})
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	store := kvstore.NewMemory()
	defer store.Close()
	pub := &recordingPublisher{}

	_, err := New(&Config{Backend: BackendLocal}, nil, pub, log.NewNopLogger())
	require.Error(t, err)

	_, err = New(&Config{Backend: BackendLocal}, store, nil, log.NewNopLogger())
	require.Error(t, err)

	_, err = New(&Config{Backend: "tape"}, store, pub, log.NewNopLogger())
	require.Error(t, err)

	s, err := New(&Config{Backend: BackendLocal, Local: &local.Config{Path: t.TempDir()}}, store, pub, log.NewNopLogger())
	require.NoError(t, err)
	s.Shutdown()
}

func startTestBundle(t *testing.T, s *storage, recipeID string) *BundleContext {
	ref := &backend.BundleRef{BID: s.BundleFound(backend.RequestMeta{URL: "https://h/x"}), PrimaryURL: "https://h/x"}
	bc, err := s.StartBundle(context.Background(), ref, testRecipe{id: recipeID})
	require.NoError(t, err)
	return bc
}

func putPending(t *testing.T, store kvstore.Store, recipeID string, bid backend.BID, meta map[string]interface{}) {
	buf, err := json.Marshal(pendingRecord{
		BundleRef: &backend.BundleRef{BID: bid, PrimaryURL: "https://h/x", ResourcesCount: 1, StorageKey: "bundles/x/metadata.json"},
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), PendingKey(recipeID, bid), buf, 0))
}

type testRecipe struct {
	id    string
	hooks []CompletionHook
}

func (r testRecipe) ID() string { return r.id }

func (r testRecipe) CompletionHooks() []CompletionHook { return r.hooks }

type sinkResource struct {
	bid  backend.BID
	name string
	meta backend.ResourceMeta
}

type recordingSink struct {
	mtx           sync.Mutex
	resources     []sinkResource
	manifests     map[backend.BID]*backend.Manifest
	failManifests int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{manifests: map[backend.BID]*backend.Manifest{}}
}

func (s *recordingSink) StoreResource(_ context.Context, bid backend.BID, name string, meta backend.ResourceMeta, r io.Reader) ([]backend.StoredResource, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.resources = append(s.resources, sinkResource{bid: bid, name: name, meta: meta})

	return []backend.StoredResource{{
		Name:        name,
		Key:         backend.ObjectName("", bid, name),
		ContentType: meta.ContentType,
		Size:        int64(len(content)),
	}}, nil
}

func (s *recordingSink) StoreManifest(_ context.Context, bid backend.BID, m *backend.Manifest) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.failManifests > 0 {
		s.failManifests--
		return "", fmt.Errorf("sink unavailable")
	}
	s.manifests[bid] = m
	return backend.ManifestName("", bid), nil
}

func (s *recordingSink) Shutdown() {}

func (s *recordingSink) resourceNames() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	names := make([]string, 0, len(s.resources))
	for _, r := range s.resources {
		names = append(names, r.name)
	}
	return names
}

func (s *recordingSink) manifest(t *testing.T, bid backend.BID) *backend.Manifest {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m, ok := s.manifests[bid]
	require.True(t, ok, "no manifest stored for %s", bid)
	return m
}

func (s *recordingSink) manifestCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.manifests)
}

type publishCall struct {
	ref      *backend.BundleRef
	meta     map[string]interface{}
	recipeID string
}

type recordingPublisher struct {
	mtx      sync.Mutex
	failures int
	calls    []publishCall
}

func (p *recordingPublisher) PublishBundleCompletion(_ context.Context, ref *backend.BundleRef, meta map[string]interface{}, recipeID string) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("bus unavailable")
	}
	p.calls = append(p.calls, publishCall{ref: ref, meta: meta, recipeID: recipeID})
	return nil
}

func (p *recordingPublisher) snapshot() []publishCall {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]publishCall(nil), p.calls...)
}

type recordingHook struct {
	mtx  sync.Mutex
	err  error
	refs []*backend.BundleRef
}

func (h *recordingHook) OnBundleComplete(_ context.Context, ref *backend.BundleRef) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.err != nil {
		return h.err
	}
	h.refs = append(h.refs, ref)
	return nil
}

func (h *recordingHook) snapshot() []*backend.BundleRef {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]*backend.BundleRef(nil), h.refs...)
}

func testTarGz(t *testing.T) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range []struct{ name, content string }{{"x.txt", "hello"}, {"y.txt", "world"}} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o600, Size: int64(len(f.content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func testZip(t *testing.T) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("alpha"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
