package backend

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// ObjectName returns the storage key for a resource object. Keys embed the
// BID so they sort chronologically within a prefix.
func ObjectName(prefix string, bid BID, base string) string {
	return path.Join(prefix, string(bid), base)
}

// ManifestName returns the storage key of a bundle's manifest.
func ManifestName(prefix string, bid BID) string {
	return path.Join(prefix, "bundles", string(bid), "metadata.json")
}

// ResourceBaseName derives the object basename for a resource. Names that
// look like URLs use the last path segment; names with no usable segment fall
// back to a hash of the full name so every resource gets a stable, non-empty
// key.
func ResourceBaseName(name string) string {
	p := name
	if u, err := url.Parse(name); err == nil && u.Scheme != "" {
		p = u.Path
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		return nameHash(name)
	}
	return base
}

func nameHash(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}
