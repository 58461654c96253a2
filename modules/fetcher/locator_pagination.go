package fetcher

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/pkg/retry"
)

const (
	dateLayout            = "2006-01-02"
	defaultInitialCursor  = "*"
	defaultMaxURLFailures = 3
)

// QueryBuilder renders the page url for one (date, cursor) step of a
// paginated walk.
type QueryBuilder interface {
	BuildURL(date time.Time, cursor string) (string, error)
}

// TemplateQueryBuilder fills {date} and {cursor} placeholders in a url
// template. The cursor is query-escaped, the date rendered with DateFormat
// (2006-01-02 when unset).
type TemplateQueryBuilder struct {
	Template   string `yaml:"template"`
	DateFormat string `yaml:"date_format"`
}

func (b TemplateQueryBuilder) BuildURL(date time.Time, cursor string) (string, error) {
	if b.Template == "" {
		return "", errors.New("query template is required")
	}
	format := b.DateFormat
	if format == "" {
		format = dateLayout
	}
	u := strings.ReplaceAll(b.Template, "{date}", date.Format(format))
	u = strings.ReplaceAll(u, "{cursor}", url.QueryEscape(cursor))
	return u, nil
}

// CursorStrategy inspects the outcome of one processed page and reports how
// many records it held and where the next page starts. An empty next cursor
// or one equal to the current position ends the date.
type CursorStrategy interface {
	NextCursor(req *backend.RequestMeta, refs []*backend.BundleRef) (next string, records int, err error)
}

// BodyCursorStrategy reads page facts out of the response head the http
// loader captured. CursorPath points at the next-cursor value, RecordsPath
// at the record array or at a numeric count.
type BodyCursorStrategy struct {
	CursorPath  []string `yaml:"cursor_path"`
	RecordsPath []string `yaml:"records_path"`
}

func (s BodyCursorStrategy) NextCursor(_ *backend.RequestMeta, refs []*backend.BundleRef) (string, int, error) {
	head := bundleBodyHead(refs)
	if head == "" {
		return "", 0, errors.New("no captured page body to paginate on")
	}

	records := 0
	rv := json.Get([]byte(head), toPath(s.RecordsPath)...)
	switch rv.ValueType() {
	case jsoniter.ArrayValue:
		records = rv.Size()
	case jsoniter.NumberValue:
		records = rv.ToInt()
	default:
		return "", 0, errors.Errorf("page has no record field at %s", strings.Join(s.RecordsPath, "."))
	}

	next := ""
	cv := json.Get([]byte(head), toPath(s.CursorPath)...)
	if cv.ValueType() == jsoniter.StringValue || cv.ValueType() == jsoniter.NumberValue {
		next = cv.ToString()
	}
	return next, records, nil
}

func toPath(parts []string) []interface{} {
	path := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		path = append(path, p)
	}
	return path
}

func bundleBodyHead(refs []*backend.BundleRef) string {
	for _, ref := range refs {
		if head, ok := ref.Meta[metaBodyHead].(string); ok && head != "" {
			return head
		}
	}
	return ""
}

// paginationState is the durable cursor position. The walk resumes from it
// across runs and process crashes.
type paginationState struct {
	CurrentDate     string    `json:"current_date"`
	CurrentCursor   string    `json:"current_cursor"`
	Initialized     bool      `json:"initialized"`
	LastRequestTime time.Time `json:"last_request_time"`
}

type PaginationHTTPLocatorConfig struct {
	Name string `yaml:"name"`
	// StartDate and EndDate bound the walk, both inclusive, YYYY-MM-DD.
	StartDate     string            `yaml:"start_date"`
	EndDate       string            `yaml:"end_date"`
	InitialCursor string            `yaml:"initial_cursor"`
	Headers       map[string]string `yaml:"headers"`
	// MaxURLFailures stops the walk for the rest of the run once one page
	// keeps failing; the next run resumes at that page.
	MaxURLFailures int          `yaml:"max_url_failures"`
	State          StateConfig  `yaml:"state"`
	Retry          retry.Config `yaml:"retry"`
}

// PaginationHTTPLocator walks a date-partitioned, cursor-paginated API one
// page at a time. Only one page is in flight at any moment because the next
// url depends on the previous page's outcome.
type PaginationHTTPLocator struct {
	cfg      PaginationHTTPLocatorConfig
	builder  QueryBuilder
	strategy CursorStrategy
	state    *locatorState
	engine   *retry.Engine
	start    time.Time
	end      time.Time

	mtx       sync.Mutex
	st        paginationState
	loaded    bool
	exhausted bool
	inflight  string
	failures  map[string]int
}

var (
	_ RequestLocator       = (*PaginationHTTPLocator)(nil)
	_ RequestPostProcessor = (*PaginationHTTPLocator)(nil)
	_ RequestErrorHandler  = (*PaginationHTTPLocator)(nil)
)

func NewPaginationHTTPLocator(cfg PaginationHTTPLocatorConfig, builder QueryBuilder, strategy CursorStrategy, kv kvstore.Store) (*PaginationHTTPLocator, error) {
	if cfg.Name == "" {
		return nil, errors.New("locator name is required")
	}
	if builder == nil {
		return nil, errors.New("pagination locator requires a query builder")
	}
	if strategy == nil {
		return nil, errors.New("pagination locator requires a cursor strategy")
	}

	start, err := time.Parse(dateLayout, cfg.StartDate)
	if err != nil {
		return nil, errors.Wrap(err, "invalid start date")
	}
	end, err := time.Parse(dateLayout, cfg.EndDate)
	if err != nil {
		return nil, errors.Wrap(err, "invalid end date")
	}
	if end.Before(start) {
		return nil, errors.Errorf("end date %s precedes start date %s", cfg.EndDate, cfg.StartDate)
	}

	if cfg.InitialCursor == "" {
		cfg.InitialCursor = defaultInitialCursor
	}
	if cfg.MaxURLFailures <= 0 {
		cfg.MaxURLFailures = defaultMaxURLFailures
	}
	cfg.State.applyDefaults(cfg.Name)

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.OperationProfile()
	}
	engine, err := retry.New(cfg.Retry)
	if err != nil {
		return nil, err
	}

	return &PaginationHTTPLocator{
		cfg:      cfg,
		builder:  builder,
		strategy: strategy,
		state:    newLocatorState(kv, cfg.State),
		engine:   engine,
		start:    start,
		end:      end,
		failures: map[string]int{},
	}, nil
}

func (l *PaginationHTTPLocator) Name() string { return l.cfg.Name }

// NextRequests emits the single next page, or nothing while that page is in
// flight. Pages already processed by an earlier run are skipped by replaying
// their stored outcome.
func (l *PaginationHTTPLocator) NextRequests(ctx context.Context, _ *RunContext) ([]*backend.RequestMeta, bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if err := l.ensureState(ctx); err != nil {
		return nil, false, err
	}

	var pageURL string
	for {
		if l.exhausted {
			return nil, true, nil
		}
		if l.inflight != "" {
			return nil, false, nil
		}

		date, err := time.Parse(dateLayout, l.st.CurrentDate)
		if err != nil {
			l.exhausted = true
			return nil, true, errors.Wrap(err, "corrupt pagination date")
		}
		pageURL, err = l.builder.BuildURL(date, l.st.CurrentCursor)
		if err != nil {
			// deterministic config problem, retrying cannot help
			l.exhausted = true
			return nil, true, err
		}

		seen, err := l.state.urlProcessed(ctx, pageURL)
		if err != nil {
			return nil, false, err
		}
		if !seen {
			break
		}

		// replay the stored outcome so the walk continues where it left off
		var res pageResult
		ok, err := l.state.getResult(ctx, pageURL, &res)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// the result record aged out, fetch the page again
			break
		}
		l.advanceLocked(res.Records, res.NextCursor)
	}

	l.inflight = pageURL
	req := &backend.RequestMeta{URL: pageURL, Flags: map[string]interface{}{flagCaptureBody: true}}
	if len(l.cfg.Headers) > 0 {
		req.Headers = map[string]string{}
		for k, v := range l.cfg.Headers {
			req.Headers[k] = v
		}
	}
	return []*backend.RequestMeta{req}, false, nil
}

type pageResult struct {
	Records    int    `json:"records"`
	NextCursor string `json:"next_cursor"`
}

// HandleURLProcessed advances the walk after one of its pages landed and
// persists marker, outcome and cursor so a crash re-fetches at most the page
// that was in flight.
func (l *PaginationHTTPLocator) HandleURLProcessed(ctx context.Context, req *backend.RequestMeta, refs []*backend.BundleRef, _ *RunContext) error {
	if originLocator(req) != l.cfg.Name {
		return nil
	}

	next, records, err := l.strategy.NextCursor(req, refs)
	if err != nil {
		return l.pageFailed(ctx, req.URL, err)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.st.LastRequestTime = time.Now().UTC()
	l.advanceLocked(records, next)
	l.inflight = ""

	return l.engine.Do(ctx, func(ctx context.Context) error {
		if err := l.state.markProcessedURL(ctx, req.URL); err != nil {
			return err
		}
		if err := l.state.putResult(ctx, req.URL, pageResult{Records: records, NextCursor: next}); err != nil {
			return err
		}
		return l.state.saveState(ctx, l.st)
	})
}

// HandleURLError clears the in-flight slot so the same page can be retried,
// up to the failure cap.
func (l *PaginationHTTPLocator) HandleURLError(ctx context.Context, req *backend.RequestMeta, processErr error, _ *RunContext) error {
	if originLocator(req) != l.cfg.Name {
		return nil
	}
	return l.pageFailed(ctx, req.URL, processErr)
}

func (l *PaginationHTTPLocator) pageFailed(ctx context.Context, pageURL string, cause error) error {
	l.mtx.Lock()
	l.failures[pageURL]++
	n := l.failures[pageURL]
	capped := n >= l.cfg.MaxURLFailures
	if capped {
		// stop producing for this run, the next run resumes at this page
		l.exhausted = true
	}
	l.inflight = ""
	l.mtx.Unlock()

	if err := l.state.putError(ctx, pageURL, cause, n); err != nil {
		return err
	}
	if capped {
		return errors.Wrapf(cause, "giving up on page %s after %d failures", pageURL, n)
	}
	return nil
}

// advanceLocked moves the walk after one page outcome: an empty page or a
// cursor that stopped moving finishes the current date. Callers hold the
// mutex.
func (l *PaginationHTTPLocator) advanceLocked(records int, next string) {
	if records == 0 || next == "" || next == l.st.CurrentCursor {
		if !l.nextDateLocked() {
			l.exhausted = true
		}
		return
	}
	l.st.CurrentCursor = next
}

func (l *PaginationHTTPLocator) nextDateLocked() bool {
	date, err := time.Parse(dateLayout, l.st.CurrentDate)
	if err != nil {
		return false
	}
	if !date.Before(l.end) {
		return false
	}
	l.st.CurrentDate = date.AddDate(0, 0, 1).Format(dateLayout)
	l.st.CurrentCursor = l.cfg.InitialCursor
	return true
}

func (l *PaginationHTTPLocator) ensureState(ctx context.Context) error {
	if l.loaded {
		return nil
	}

	ok, err := l.state.loadState(ctx, &l.st)
	if err != nil {
		return err
	}
	if !ok || !l.st.Initialized {
		l.st = paginationState{
			CurrentDate:   l.start.Format(dateLayout),
			CurrentCursor: l.cfg.InitialCursor,
			Initialized:   true,
		}
		if err := l.state.saveState(ctx, l.st); err != nil {
			return err
		}
	}

	// a persisted position past the end date means an earlier run with a
	// wider window already finished it
	if date, err := time.Parse(dateLayout, l.st.CurrentDate); err == nil && date.After(l.end) {
		l.exhausted = true
	}

	l.loaded = true
	return nil
}
