package fetcher

import (
	"context"
	"os"
	"path"
	"regexp"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/modules/remote"
)

// Directory listings can be ordered by modification time or name, in either
// direction. Entries without a modification time always sort last.
const (
	SortByMtime = "mtime"
	SortByName  = "name"

	SortAsc  = "asc"
	SortDesc = "desc"
)

func sortFiles(infos []os.FileInfo, by, order string) {
	desc := order == SortDesc
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if by == SortByMtime {
			am, bm := a.ModTime(), b.ModTime()
			switch {
			case am.IsZero() && bm.IsZero():
				// fall through to the name comparison
			case am.IsZero():
				return false
			case bm.IsZero():
				return true
			case !am.Equal(bm):
				if desc {
					return am.After(bm)
				}
				return am.Before(bm)
			}
		}
		if desc {
			return a.Name() > b.Name()
		}
		return a.Name() < b.Name()
	})
}

// FileFilter prunes a directory listing before the glob decides what
// becomes a bundle.
type FileFilter interface {
	Match(os.FileInfo) bool
}

// RegexFileFilter keeps entries whose name matches the pattern.
type RegexFileFilter struct {
	re *regexp.Regexp
}

func NewRegexFileFilter(pattern string) (*RegexFileFilter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "invalid file filter pattern")
	}
	return &RegexFileFilter{re: re}, nil
}

func (f *RegexFileFilter) Match(fi os.FileInfo) bool {
	return f.re.MatchString(fi.Name())
}

type DirectorySFTPLocatorConfig struct {
	Name      string            `yaml:"name"`
	Directory string            `yaml:"directory"`
	Glob      string            `yaml:"glob"`
	SortBy    string            `yaml:"sort_by"`
	SortOrder string            `yaml:"sort_order"`
	SFTP      remote.SFTPConfig `yaml:"sftp"`
	State     StateConfig       `yaml:"state"`
}

// DirectorySFTPLocator lists one remote directory and mints a bundle per
// matching file that has not been processed yet. The directory is listed
// once per run; files appearing later are picked up by the next run.
type DirectorySFTPLocator struct {
	cfg    DirectorySFTPLocatorConfig
	filter FileFilter
	state  *locatorState

	mtx     sync.Mutex
	listed  bool
	pending []os.FileInfo
}

var (
	_ BundleLocator       = (*DirectorySFTPLocator)(nil)
	_ BundlePostProcessor = (*DirectorySFTPLocator)(nil)
)

// NewDirectorySFTPLocator builds a directory locator. filter may be nil to
// keep every glob match.
func NewDirectorySFTPLocator(cfg DirectorySFTPLocatorConfig, filter FileFilter, kv kvstore.Store) (*DirectorySFTPLocator, error) {
	if cfg.Name == "" {
		return nil, errors.New("locator name is required")
	}
	if cfg.Directory == "" {
		return nil, errors.New("directory sftp locator requires a directory")
	}
	if cfg.Glob == "" {
		cfg.Glob = "*"
	}
	if _, err := path.Match(cfg.Glob, "probe"); err != nil {
		return nil, errors.Wrapf(err, "invalid glob %q", cfg.Glob)
	}
	switch cfg.SortBy {
	case "":
		cfg.SortBy = SortByMtime
	case SortByMtime, SortByName:
	default:
		return nil, errors.Errorf("unknown sort strategy %q", cfg.SortBy)
	}
	switch cfg.SortOrder {
	case "":
		cfg.SortOrder = SortAsc
	case SortAsc, SortDesc:
	default:
		return nil, errors.Errorf("unknown sort order %q", cfg.SortOrder)
	}
	cfg.State.applyDefaults(cfg.Name)

	return &DirectorySFTPLocator{
		cfg:    cfg,
		filter: filter,
		state:  newLocatorState(kv, cfg.State),
	}, nil
}

func (l *DirectorySFTPLocator) Name() string { return l.cfg.Name }

func (l *DirectorySFTPLocator) NextBundles(ctx context.Context, rctx *RunContext, wanted int) ([]*backend.BundleRef, bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if rctx.App.SFTP == nil {
		return nil, false, errors.New("run context has no sftp client")
	}

	if !l.listed {
		if err := l.list(ctx, rctx); err != nil {
			return nil, false, err
		}
		l.listed = true
	}

	if wanted <= 0 {
		wanted = 1
	}
	var out []*backend.BundleRef
	var taken []os.FileInfo
	for len(out) < wanted && len(l.pending) > 0 {
		fi := l.pending[0]
		seen, err := l.state.processed(ctx, fi.Name())
		if err != nil {
			// put the batch back so nothing is skipped, the next pass retries
			l.pending = append(taken, l.pending...)
			return nil, false, err
		}
		l.pending = l.pending[1:]
		if seen {
			continue
		}
		taken = append(taken, fi)
		out = append(out, l.mint(rctx, fi))
	}
	return out, len(l.pending) == 0, nil
}

func (l *DirectorySFTPLocator) list(ctx context.Context, rctx *RunContext) error {
	infos, err := rctx.App.SFTP.ReadDir(ctx, l.cfg.SFTP, l.cfg.Directory)
	if err != nil {
		return errors.Wrapf(err, "listing %s", l.cfg.Directory)
	}

	keep := make([]os.FileInfo, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		match, err := path.Match(l.cfg.Glob, fi.Name())
		if err != nil {
			return errors.Wrapf(err, "invalid glob %q", l.cfg.Glob)
		}
		if !match {
			continue
		}
		if l.filter != nil && !l.filter.Match(fi) {
			continue
		}
		keep = append(keep, fi)
	}
	sortFiles(keep, l.cfg.SortBy, l.cfg.SortOrder)
	l.pending = keep
	return nil
}

func (l *DirectorySFTPLocator) mint(rctx *RunContext, fi os.FileInfo) *backend.BundleRef {
	remotePath := path.Join(l.cfg.Directory, fi.Name())
	var mtime int64
	if !fi.ModTime().IsZero() {
		mtime = fi.ModTime().Unix()
	}
	return &backend.BundleRef{
		BID:        rctx.App.Storage.BundleFound(backend.RequestMeta{URL: remotePath}),
		PrimaryURL: remotePath,
		Meta: map[string]interface{}{
			"file":  fi.Name(),
			"mtime": mtime,
			"size":  fi.Size(),
		},
	}
}

// HandleBundleProcessed marks the file processed so later runs skip it.
func (l *DirectorySFTPLocator) HandleBundleProcessed(ctx context.Context, ref *backend.BundleRef, _ []*backend.BundleRef, _ *RunContext) error {
	file, ok := ref.Meta["file"].(string)
	if !ok {
		return errors.Errorf("bundle %s carries no file name", ref.BID)
	}
	if err := l.state.markProcessed(ctx, file); err != nil {
		return err
	}
	return l.state.putResult(ctx, file, map[string]interface{}{
		"bid":       string(ref.BID),
		"resources": ref.ResourcesCount,
	})
}

func (l *DirectorySFTPLocator) HandleBundleError(ctx context.Context, ref *backend.BundleRef, processErr error, _ *RunContext) error {
	file, ok := ref.Meta["file"].(string)
	if !ok {
		file = ref.PrimaryURL
	}
	return l.state.putError(ctx, file, processErr, 0)
}

type FileSFTPLocatorConfig struct {
	Name  string            `yaml:"name"`
	Paths []string          `yaml:"paths"`
	SFTP  remote.SFTPConfig `yaml:"sftp"`
	State StateConfig       `yaml:"state"`
}

// FileSFTPLocator watches an explicit list of remote files and emits a
// bundle whenever a file's modification time moves past the watermark of
// the last processed version.
type FileSFTPLocator struct {
	cfg   FileSFTPLocatorConfig
	state *locatorState

	mtx     sync.Mutex
	checked bool
	pending []*backend.BundleRef
}

var (
	_ BundleLocator       = (*FileSFTPLocator)(nil)
	_ BundlePostProcessor = (*FileSFTPLocator)(nil)
)

func NewFileSFTPLocator(cfg FileSFTPLocatorConfig, kv kvstore.Store) (*FileSFTPLocator, error) {
	if cfg.Name == "" {
		return nil, errors.New("locator name is required")
	}
	if len(cfg.Paths) == 0 {
		return nil, errors.New("file sftp locator requires at least one path")
	}
	for i, p := range cfg.Paths {
		if p == "" {
			return nil, errors.Errorf("path %d is empty", i)
		}
	}
	cfg.State.applyDefaults(cfg.Name)

	return &FileSFTPLocator{
		cfg:   cfg,
		state: newLocatorState(kv, cfg.State),
	}, nil
}

func (l *FileSFTPLocator) Name() string { return l.cfg.Name }

// NextBundles stats every watched path once per run. Paths that cannot be
// statted are recorded as run errors and skipped, they do not block the
// rest of the list.
func (l *FileSFTPLocator) NextBundles(ctx context.Context, rctx *RunContext, wanted int) ([]*backend.BundleRef, bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if rctx.App.SFTP == nil {
		return nil, false, errors.New("run context has no sftp client")
	}

	if !l.checked {
		if err := l.check(ctx, rctx); err != nil {
			return nil, false, err
		}
		l.checked = true
	}

	if wanted <= 0 {
		wanted = 1
	}
	n := wanted
	if n > len(l.pending) {
		n = len(l.pending)
	}
	out := l.pending[:n]
	l.pending = l.pending[n:]
	return out, len(l.pending) == 0, nil
}

func (l *FileSFTPLocator) check(ctx context.Context, rctx *RunContext) error {
	var pending []*backend.BundleRef
	for _, p := range l.cfg.Paths {
		fi, err := rctx.App.SFTP.Stat(ctx, l.cfg.SFTP, p)
		if err != nil {
			rctx.AddError(errors.Wrapf(err, "stat %s", p).Error())
			continue
		}
		if fi.IsDir() {
			rctx.AddError(errors.Errorf("%s is a directory, not a file", p).Error())
			continue
		}

		var mtime int64
		if !fi.ModTime().IsZero() {
			mtime = fi.ModTime().Unix()
		}
		last, found, err := l.state.processedMtime(ctx, p)
		if err != nil {
			return err
		}
		if found && mtime <= last {
			continue
		}

		pending = append(pending, &backend.BundleRef{
			BID:        rctx.App.Storage.BundleFound(backend.RequestMeta{URL: p}),
			PrimaryURL: p,
			Meta: map[string]interface{}{
				"file":  path.Base(p),
				"mtime": mtime,
				"size":  fi.Size(),
			},
		})
	}
	l.pending = pending
	return nil
}

// HandleBundleProcessed advances the file's watermark to the version that
// was just stored.
func (l *FileSFTPLocator) HandleBundleProcessed(ctx context.Context, ref *backend.BundleRef, _ []*backend.BundleRef, _ *RunContext) error {
	mtime, ok := metaInt64(ref.Meta, "mtime")
	if !ok {
		return errors.Errorf("bundle %s carries no mtime", ref.BID)
	}
	if err := l.state.setProcessedMtime(ctx, ref.PrimaryURL, mtime); err != nil {
		return err
	}
	return l.state.putResult(ctx, ref.PrimaryURL, map[string]interface{}{
		"bid":   string(ref.BID),
		"mtime": mtime,
	})
}

func (l *FileSFTPLocator) HandleBundleError(ctx context.Context, ref *backend.BundleRef, processErr error, _ *RunContext) error {
	return l.state.putError(ctx, ref.PrimaryURL, processErr, 0)
}

// metaInt64 reads a numeric metadata value. Values that crossed the queue
// arrive as float64, values minted in-process as int64.
func metaInt64(meta map[string]interface{}, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
