package app

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/modules/credentials"
	"github.com/opencivic/datafetcher/modules/fetcher"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/modules/notifier"
	"github.com/opencivic/datafetcher/modules/remote"
)

// App owns the shared backends of the process: the kv store, bundle storage,
// completion publisher, credential chain and the protocol managers. One App
// serves any number of runs.
type App struct {
	cfg    Config
	logger log.Logger

	store    kvstore.Store
	storage  bundledb.Storage
	pub      bundledb.Publisher
	creds    credentials.Provider
	http     *remote.HTTPManager
	sftp     *remote.SFTPManager
	registry *Registry
}

func New(ctx context.Context, cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := kvstore.New(cfg.KVStore, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating kv store")
	}

	base, err := credentials.New(ctx, cfg.Credentials, logger)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "creating credentials provider")
	}
	// Recipes may name credentials kept in the kv store next to the rest of
	// the deployment state. The base provider wins on conflicts.
	creds := credentials.Chain{base, credentials.NewStore(store)}

	var pub bundledb.Publisher
	if cfg.Notifier.QueueURL != "" {
		pub, err = notifier.NewSQS(ctx, &cfg.Notifier, logger)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "creating sqs publisher")
		}
	} else {
		level.Info(logger).Log("msg", "no completion queue configured, notifications disabled")
		pub = notifier.NewNop()
	}

	storage, err := bundledb.New(&cfg.Storage, store, pub, logger)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "creating bundle storage")
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		storage:  storage,
		pub:      pub,
		creds:    creds,
		http:     remote.NewHTTP(creds, logger),
		sftp:     remote.NewSFTP(creds, logger),
		registry: NewRegistry(cfg.RegistryDir, cfg.ExpandEnv),
	}, nil
}

// Run executes the recipe for one registry id under a fresh run id and
// reports the result. Partial failures land in the result, not the error.
func (a *App) Run(ctx context.Context, registryID string) (*fetcher.Result, error) {
	recipe, err := a.registry.Load(registryID, a.store)
	if err != nil {
		return nil, err
	}

	rctx := fetcher.NewRunContext(uuid.New().String(), fetcher.AppConfig{
		Credentials: a.creds,
		KV:          a.store,
		Storage:     a.storage,
		HTTP:        a.http,
		SFTP:        a.sftp,
	})

	return fetcher.New(a.cfg.Fetcher, a.logger).Run(ctx, recipe, rctx)
}

// Health verifies the backends a run would touch: a kv round trip and, when
// configured, the completion queue.
func (a *App) Health(ctx context.Context) error {
	var errs error

	key := "health:" + uuid.New().String()
	if err := a.store.Put(ctx, key, []byte("ok"), time.Minute); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "kv put"))
	} else {
		if _, err := a.store.Get(ctx, key); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "kv get"))
		}
		if err := a.store.Delete(ctx, key); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "kv delete"))
		}
	}

	if p, ok := a.pub.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// Shutdown releases pooled connections and flushes storage. The App is not
// usable afterwards.
func (a *App) Shutdown() {
	a.http.Shutdown()
	a.sftp.Shutdown()
	a.storage.Shutdown()
	if err := a.store.Close(); err != nil {
		level.Warn(a.logger).Log("msg", "error closing kv store", "err", err)
	}
}
