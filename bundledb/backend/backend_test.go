package backend

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBIDOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	minted := make([]BID, 0, 50)
	for i := 0; i < 50; i++ {
		minted = append(minted, NewBID(base.Add(time.Duration(i)*time.Millisecond)))
	}

	sorted := make([]BID, len(minted))
	copy(sorted, minted)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	require.Equal(t, minted, sorted, "lexicographic order must match mint order")
}

func TestBIDTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bid := NewBID(now)

	require.True(t, now.Equal(bid.Time()), "embedded time %s, want %s", bid.Time(), now)
}

func TestParseBID(t *testing.T) {
	bid := NewBID(time.Now())

	parsed, err := ParseBID(bid.String())
	require.NoError(t, err)
	require.Equal(t, bid, parsed)

	_, err = ParseBID("not-a-bundle-id")
	require.Error(t, err)

	_, err = ParseBID("")
	require.Error(t, err)
}

func TestRequestMetaValidate(t *testing.T) {
	require.NoError(t, (&RequestMeta{URL: "https://example.com/a"}).Validate())

	err := (&RequestMeta{}).Validate()
	require.Equal(t, ErrEmptyURL, err)

	err = (&RequestMeta{URL: "https://example.com/a", Depth: -1}).Validate()
	require.Error(t, err)
}

func TestResourceMetaValidate(t *testing.T) {
	for _, status := range []int{0, 100, 200, 404, 599} {
		assert.NoError(t, (&ResourceMeta{StatusCode: status}).Validate(), "status %d", status)
	}
	for _, status := range []int{-1, 1, 99, 600, 1000} {
		assert.Error(t, (&ResourceMeta{StatusCode: status}).Validate(), "status %d", status)
	}
}

func TestManifestResourceStored(t *testing.T) {
	bid := NewBID(time.Now())
	m := NewManifest(bid, "https://example.com/report")

	require.NotNil(t, m.Resources)
	require.Len(t, m.Resources, 0)

	m.ResourceStored(StoredResource{Name: "a", Key: "k/a", Size: 1})
	m.ResourceStored(StoredResource{Name: "b", Key: "k/b", Size: 2}, StoredResource{Name: "c", Key: "k/c", Size: 3})

	require.Len(t, m.Resources, 3)
	require.Equal(t, "b", m.Resources[1].Name)
}

func TestResourceBaseName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"https://example.com/pkg.tar.gz", "pkg.tar.gz"},
		{"https://example.com/a/b/report.csv", "report.csv"},
		{"https://example.com/a?page=2", "a"},
		{"https://example.com/a#frag", "a"},
		{"plain-name.txt", "plain-name.txt"},
		{"dir/file.txt", "file.txt"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, ResourceBaseName(tc.name), "name %q", tc.name)
	}

	// no usable path segment, falls back to a hash
	for _, name := range []string{"https://example.com/", "https://example.com", ""} {
		base := ResourceBaseName(name)
		assert.Len(t, base, 40, "name %q", name)
		assert.NotContains(t, base, "/")
	}

	// the hash is stable per name and distinct across names
	assert.Equal(t, ResourceBaseName("https://x.com/"), ResourceBaseName("https://x.com/"))
	assert.NotEqual(t, ResourceBaseName("https://x.com/"), ResourceBaseName("https://y.com/"))
}

func TestObjectNames(t *testing.T) {
	bid := BID("01HVXZ0000FAKEFAKEFAKEFAKE")

	require.Equal(t, "data/01HVXZ0000FAKEFAKEFAKEFAKE/report.csv", ObjectName("data", bid, "report.csv"))
	require.Equal(t, "01HVXZ0000FAKEFAKEFAKEFAKE/report.csv", ObjectName("", bid, "report.csv"))
	require.Equal(t, "data/bundles/01HVXZ0000FAKEFAKEFAKEFAKE/metadata.json", ManifestName("data", bid))
}
