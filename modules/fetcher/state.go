package fetcher

import (
	"context"
	"flag"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/pkg/util"
)

// StateConfig controls where a locator keeps its durable progress and how
// long each record class lives. Processed markers bound how long re-fetch
// suppression holds, results back crash recovery, error records are
// short-lived diagnostics.
type StateConfig struct {
	Prefix       string        `yaml:"prefix"`
	ProcessedTTL time.Duration `yaml:"processed_ttl"`
	ResultTTL    time.Duration `yaml:"result_ttl"`
	ErrorTTL     time.Duration `yaml:"error_ttl"`
}

func (cfg *StateConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ProcessedTTL, util.PrefixConfig(prefix, "processed-ttl"), 7*24*time.Hour, "how long processed markers suppress re-fetching.")
	f.DurationVar(&cfg.ResultTTL, util.PrefixConfig(prefix, "result-ttl"), 30*24*time.Hour, "how long per-item results are kept for crash recovery.")
	f.DurationVar(&cfg.ErrorTTL, util.PrefixConfig(prefix, "error-ttl"), 24*time.Hour, "how long error records are kept.")
}

func (cfg *StateConfig) applyDefaults(locator string) {
	if cfg.Prefix == "" {
		cfg.Prefix = "locator:" + locator
	}
	if cfg.ProcessedTTL == 0 {
		cfg.ProcessedTTL = 7 * 24 * time.Hour
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = 30 * 24 * time.Hour
	}
	if cfg.ErrorTTL == 0 {
		cfg.ErrorTTL = 24 * time.Hour
	}
}

// locatorState wraps the kv store with a locator's keyspace:
//
//	{prefix}:processed_urls:{url}   urls that yielded a durable bundle
//	{prefix}:processed:{id}         non-url items, e.g. directory entries
//	{prefix}:processed_mtime:{path} watermark for watched files
//	{prefix}:results:{id}           outcome records for recovery
//	{prefix}:errors:{id}            failure records
//	{prefix}:state                  the locator's own cursor
type locatorState struct {
	kv  kvstore.Store
	cfg StateConfig
}

type errorRecord struct {
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

func newLocatorState(kv kvstore.Store, cfg StateConfig) *locatorState {
	return &locatorState{kv: kv, cfg: cfg}
}

func (s *locatorState) markProcessedURL(ctx context.Context, url string) error {
	return s.kv.Put(ctx, s.cfg.Prefix+":processed_urls:"+url, []byte("1"), s.cfg.ProcessedTTL)
}

func (s *locatorState) urlProcessed(ctx context.Context, url string) (bool, error) {
	return s.kv.Exists(ctx, s.cfg.Prefix+":processed_urls:"+url)
}

func (s *locatorState) markProcessed(ctx context.Context, id string) error {
	return s.kv.Put(ctx, s.cfg.Prefix+":processed:"+id, []byte("1"), s.cfg.ProcessedTTL)
}

func (s *locatorState) processed(ctx context.Context, id string) (bool, error) {
	return s.kv.Exists(ctx, s.cfg.Prefix+":processed:"+id)
}

// setProcessedMtime persists a watermark without a TTL: watched files are
// compared against it indefinitely.
func (s *locatorState) setProcessedMtime(ctx context.Context, path string, mtime int64) error {
	return s.kv.Put(ctx, s.cfg.Prefix+":processed_mtime:"+path, []byte(strconv.FormatInt(mtime, 10)), 0)
}

func (s *locatorState) processedMtime(ctx context.Context, path string) (int64, bool, error) {
	buf, err := s.kv.Get(ctx, s.cfg.Prefix+":processed_mtime:"+path)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	mtime, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "corrupt mtime watermark for %s", path)
	}
	return mtime, true, nil
}

func (s *locatorState) putResult(ctx context.Context, id string, result interface{}) error {
	buf, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encoding result")
	}
	return s.kv.Put(ctx, s.cfg.Prefix+":results:"+id, buf, s.cfg.ResultTTL)
}

func (s *locatorState) getResult(ctx context.Context, id string, result interface{}) (bool, error) {
	buf, err := s.kv.Get(ctx, s.cfg.Prefix+":results:"+id)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(buf, result); err != nil {
		return false, errors.Wrapf(err, "corrupt result record for %s", id)
	}
	return true, nil
}

func (s *locatorState) putError(ctx context.Context, id string, cause error, retries int) error {
	buf, err := json.Marshal(errorRecord{
		Error:      cause.Error(),
		RetryCount: retries,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "encoding error record")
	}
	return s.kv.Put(ctx, s.cfg.Prefix+":errors:"+id, buf, s.cfg.ErrorTTL)
}

func (s *locatorState) saveState(ctx context.Context, state interface{}) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding locator state")
	}
	return s.kv.Put(ctx, s.cfg.Prefix+":state", buf, 0)
}

func (s *locatorState) loadState(ctx context.Context, state interface{}) (bool, error) {
	buf, err := s.kv.Get(ctx, s.cfg.Prefix+":state")
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(buf, state); err != nil {
		return false, errors.Wrap(err, "corrupt locator state")
	}
	return true, nil
}
