package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrDoesNotExist  = fmt.Errorf("does not exist")
	ErrEmptyBundleID = fmt.Errorf("empty bundle id")
	ErrEmptyURL      = fmt.Errorf("empty url")
)

// BID identifies one bundle. It is a ULID rendered in Crockford base32: a
// 48-bit millisecond timestamp followed by 80 random bits, so lexicographic
// order matches creation order. BIDs are immutable and compared as strings.
type BID string

// NewBID mints a bundle id carrying the given creation time.
func NewBID(now time.Time) BID {
	return BID(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String())
}

// ParseBID validates s and returns it in canonical form.
func ParseBID(s string) (BID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return "", fmt.Errorf("invalid bundle id %q: %w", s, err)
	}
	return BID(id.String()), nil
}

func (b BID) String() string {
	return string(b)
}

// Time returns the creation timestamp embedded in the id, or the zero time if
// the id does not parse.
func (b BID) Time() time.Time {
	id, err := ulid.ParseStrict(string(b))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// RequestMeta describes one unit of work produced by a locator and consumed
// by a loader. It round-trips through the persistent queue as JSON.
type RequestMeta struct {
	URL     string                 `json:"url"`
	Depth   int                    `json:"depth,omitempty"`
	Referer string                 `json:"referer,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
	Flags   map[string]interface{} `json:"flags,omitempty"`
}

func (m *RequestMeta) Validate() error {
	if m.URL == "" {
		return ErrEmptyURL
	}
	if m.Depth < 0 {
		return fmt.Errorf("negative request depth %d", m.Depth)
	}
	return nil
}

// ResourceMeta is attached to every resource stored inside a bundle.
// StatusCode zero means "no protocol status", e.g. an SFTP download.
type ResourceMeta struct {
	URL         string            `json:"url,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Note        string            `json:"note,omitempty"`
}

func (m *ResourceMeta) Validate() error {
	if m.StatusCode != 0 && (m.StatusCode < 100 || m.StatusCode > 599) {
		return fmt.Errorf("status code %d out of range", m.StatusCode)
	}
	return nil
}

// BundleRef is the pipeline's handle on a bundle from discovery to
// completion.
type BundleRef struct {
	BID            BID                    `json:"bid"`
	PrimaryURL     string                 `json:"primary_url"`
	ResourcesCount int                    `json:"resources_count"`
	StorageKey     string                 `json:"storage_key,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

func (r *BundleRef) Validate() error {
	if r.BID == "" {
		return ErrEmptyBundleID
	}
	if r.ResourcesCount < 0 {
		return fmt.Errorf("negative resources count %d", r.ResourcesCount)
	}
	return nil
}

// StoredResource reports one object a sink stored, derived objects included.
type StoredResource struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Size        int64  `json:"size"`
	DerivedFrom string `json:"derived_from,omitempty"`
}

// Manifest is the terminating record of a bundle, written to
// {prefix}/bundles/{bid}/metadata.json once every resource is stored.
type Manifest struct {
	BID         BID                    `json:"bid"`
	PrimaryURL  string                 `json:"primary_url"`
	CompletedAt time.Time              `json:"completed_at"`
	Resources   []StoredResource       `json:"resources"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

func NewManifest(bid BID, primaryURL string) *Manifest {
	return &Manifest{
		BID:        bid,
		PrimaryURL: primaryURL,
		Resources:  []StoredResource{},
	}
}

// ResourceStored appends to the manifest's object list.
func (m *Manifest) ResourceStored(res ...StoredResource) {
	m.Resources = append(m.Resources, res...)
}

// Writer stores bundle resources in a backend. Implementations stream the
// reader through and never buffer more than their configured chunk size.
type Writer interface {
	// StoreResource writes one resource stream under the given name and
	// reports every object stored on its behalf. Decorators may report
	// more than one.
	StoreResource(ctx context.Context, bid BID, name string, meta ResourceMeta, r io.Reader) ([]StoredResource, error)

	// StoreManifest finalizes a bundle and returns the manifest's storage
	// key.
	StoreManifest(ctx context.Context, bid BID, m *Manifest) (string, error)

	Shutdown()
}
