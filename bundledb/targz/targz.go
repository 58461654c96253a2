package targz

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/bundledb/tee"
	"github.com/opencivic/datafetcher/pkg/util/log"
)

// suffix order matters, the longest match strips first
var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar", ".gz"}

var bypassContentTypes = map[string]struct{}{
	"application/gzip":   {},
	"application/x-gzip": {},
	"application/x-tar":  {},
	"application/tar":    {},
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	tarMagic  = []byte("ustar")
)

const tarMagicOffset = 257

type writer struct {
	logger    gkLog.Logger
	next      backend.Writer
	chunkSize int
	highWater int
}

// New wraps next with tar/gzip awareness. Resources whose name or content
// type already marks them as archives are stored as-is under the stripped
// name. Everything else is stored unchanged and additionally sniffed: tar
// members (gzipped or not) fan out into one derived resource each, a plain
// gzip stream yields one decompressed derived resource.
func New(next backend.Writer) backend.Writer {
	return NewSized(next, tee.DefaultChunkSize, tee.DefaultHighWater)
}

// NewSized is New with explicit tee sizing.
func NewSized(next backend.Writer, chunkSize, highWater int) backend.Writer {
	return &writer{
		logger:    log.Component("targz"),
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

	head, err := br.Peek(len(gzipMagic))
	if err != nil {
		// shorter than a magic number, nothing to extract
		return nil, nil
	}

	if !bytes.Equal(head, gzipMagic) {
		if isTar(br) {
			return w.extractMembers(ctx, bid, name, br)
		}
		return nil, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		level.Warn(w.logger).Log("msg", "gzip magic matched but reader failed, skipping extraction", "name", name, "err", err)
		return nil, nil
	}
	defer gz.Close()

	inner := bufio.NewReader(gz)
	if isTar(inner) {
		return w.extractMembers(ctx, bid, name, inner)
	}

	// plain gzip, the decompressed bytes become one derived resource
	stored, err := w.next.StoreResource(ctx, bid, name+"/content", derivedMeta(), inner)
	if err != nil {
		return nil, err
	}
	return derivedFrom(stored, name), nil
}

func (w *writer) extractMembers(ctx context.Context, bid backend.BID, name string, r io.Reader) ([]backend.StoredResource, error) {
	tr := tar.NewReader(r)

	var out []backend.StoredResource
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			level.Warn(w.logger).Log("msg", "abandoning damaged archive", "name", name, "extracted", len(out), "err", err)
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		memberName := name + "/" + path.Clean(hdr.Name)
		stored, err := w.next.StoreResource(ctx, bid, memberName, derivedMeta(), tr)
		if err != nil {
			return out, err
		}
		out = append(out, derivedFrom(stored, name)...)
	}

	return out, nil
}

// StripSuffix removes the outermost archive suffix from name.
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

func isTar(br *bufio.Reader) bool {
	head, err := br.Peek(tarMagicOffset + len(tarMagic))
	if err != nil {
		return false
	}
	return bytes.Equal(head[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic)
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
