package zip

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strings"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/bundledb/tee"
	"github.com/opencivic/datafetcher/pkg/util/log"
)

var archiveSuffixes = []string{".zip"}

// application/zip is absent, resources announced as zip by content type
// alone are still inspected and their members extracted
var bypassContentTypes = map[string]struct{}{
	"application/gzip":   {},
	"application/x-gzip": {},
	"application/x-tar":  {},
	"application/tar":    {},
}

var zipMagic = []byte("PK\x03\x04")

type writer struct {
	logger    gkLog.Logger
	next      backend.Writer
	chunkSize int
	highWater int
}

// New wraps next with zip awareness. Resources whose name already marks
// them as archives are stored as-is under the stripped name. Everything
// else is stored unchanged and additionally sniffed: zip members fan out
// into one derived resource each.
func New(next backend.Writer) backend.Writer {
	return NewSized(next, tee.DefaultChunkSize, tee.DefaultHighWater)
}

// NewSized is New with explicit tee sizing.
func NewSized(next backend.Writer, chunkSize, highWater int) backend.Writer {
	return &writer{
		logger:    log.Component("zip"),
		next:      next,
		chunkSize: chunkSize,
		highWater: highWater,
	}
}

// StoreResource implements backend.Writer
func (w *writer) StoreResource(ctx context.Context, bid backend.BID, name string, meta backend.ResourceMeta, r io.Reader) ([]backend.StoredResource, error) {
	if shouldBypass(name, meta.ContentType) {
		return w.next.StoreResource(ctx, bid, StripSuffix(name), meta, r)
	}

	s := tee.NewSized(r, 2, w.chunkSize, w.highWater)
	defer s.Wait()
	readers := s.Readers()

	type storeResult struct {
		stored []backend.StoredResource
		err    error
	}
	ch := make(chan storeResult, 1)
	go func() {
		defer readers[0].Close()
		stored, err := w.next.StoreResource(ctx, bid, StripSuffix(name), meta, readers[0])
		ch <- storeResult{stored: stored, err: err}
	}()

	derived, derivedErr := w.inspect(ctx, bid, name, readers[1])

	res := <-ch
	if res.err != nil {
		return nil, res.err
	}
	if derivedErr != nil {
		return nil, derivedErr
	}

	return append(res.stored, derived...), nil
}

// StoreManifest implements backend.Writer
func (w *writer) StoreManifest(ctx context.Context, bid backend.BID, m *backend.Manifest) (string, error) {
	return w.next.StoreManifest(ctx, bid, m)
}

// Shutdown implements backend.Writer
func (w *writer) Shutdown() {
	w.next.Shutdown()
}

func (w *writer) inspect(ctx context.Context, bid backend.BID, name string, r *tee.Reader) ([]backend.StoredResource, error) {
	defer r.Close()

	br := bufio.NewReader(r)

	head, err := br.Peek(len(zipMagic))
	if err != nil || !bytes.Equal(head, zipMagic) {
		return nil, nil
	}

	// archive/zip wants random access, spool the stream to a scratch file
	f, err := os.CreateTemp("", "datafetcher-zip-")
	if err != nil {
		return nil, errors.Wrap(err, "error creating zip scratch file")
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	size, err := io.Copy(f, br)
	if err != nil {
		// the same source error is about to fail the primary store
		level.Warn(w.logger).Log("msg", "zip spool interrupted, skipping extraction", "name", name, "err", err)
		return nil, nil
	}

	zr, err := zip.NewReader(f, size)
	if err != nil {
		level.Warn(w.logger).Log("msg", "zip magic matched but reader failed, skipping extraction", "name", name, "err", err)
		return nil, nil
	}

	return w.extractMembers(ctx, bid, name, zr)
}

func (w *writer) extractMembers(ctx context.Context, bid backend.BID, name string, zr *zip.Reader) ([]backend.StoredResource, error) {
	var out []backend.StoredResource
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			level.Warn(w.logger).Log("msg", "skipping damaged zip member", "name", name, "member", f.Name, "err", err)
			continue
		}

		memberName := name + "/" + path.Clean(f.Name)
		stored, err := w.next.StoreResource(ctx, bid, memberName, derivedMeta(), rc)
		rc.Close()
		if err != nil {
			return out, err
		}
		out = append(out, derivedFrom(stored, name)...)
	}

	return out, nil
}

// StripSuffix removes the archive suffix from name.
func StripSuffix(name string) string {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

func shouldBypass(name, contentType string) bool {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	_, ok := bypassContentTypes[ct]
	return ok
}

func derivedMeta() backend.ResourceMeta {
	return backend.ResourceMeta{ContentType: "application/octet-stream"}
}

func derivedFrom(stored []backend.StoredResource, name string) []backend.StoredResource {
	for i := range stored {
		if stored[i].DerivedFrom == "" {
			stored[i].DerivedFrom = name
		}
	}
	return stored
}
