package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writer stores bundles on the local filesystem under
// {path}/{bid}/{basename-or-hash}. Objects land via a temp file plus rename
// so readers never observe partial writes.
type writer struct {
	logger gkLog.Logger
	cfg    *Config
}

// New creates a filesystem-backed bundle writer rooted at cfg.Path.
func New(cfg *Config) (backend.Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local storage path is required")
	}

	err := os.MkdirAll(cfg.Path, 0o700)
	if err != nil {
		return nil, errors.Wrapf(err, "creating storage root %s", cfg.Path)
	}

	return &writer{
		logger: log.Component("local"),
		cfg:    cfg,
	}, nil
}

// StoreResource implements backend.Writer
func (w *writer) StoreResource(ctx context.Context, bid backend.BID, name string, meta backend.ResourceMeta, r io.Reader) ([]backend.StoredResource, error) {
	if bid == "" {
		return nil, backend.ErrEmptyBundleID
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	base := backend.ResourceBaseName(name)
	key := backend.ObjectName("", bid, base)

	size, err := w.writeFile(ctx, key, r)
	if err != nil {
		return nil, errors.Wrapf(err, "error writing resource %s", key)
	}
	level.Debug(w.logger).Log("msg", "resource stored locally", "key", key, "size", size)

	return []backend.StoredResource{{
		Name:        name,
		Key:         key,
		URL:         meta.URL,
		ContentType: meta.ContentType,
		StatusCode:  meta.StatusCode,
		Size:        size,
	}}, nil
}

// StoreManifest implements backend.Writer
func (w *writer) StoreManifest(ctx context.Context, bid backend.BID, m *backend.Manifest) (string, error) {
	if bid == "" {
		return "", backend.ErrEmptyBundleID
	}

	buf, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "error marshalling manifest")
	}

	key := backend.ManifestName("", bid)
	_, err = w.writeFile(ctx, key, bytes.NewReader(buf))
	if err != nil {
		return "", errors.Wrapf(err, "error writing manifest %s", key)
	}

	return key, nil
}

// Shutdown implements backend.Writer
func (w *writer) Shutdown() {
}

func (w *writer) writeFile(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dst := filepath.Join(w.cfg.Path, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-")
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}

	return size, nil
}
