package app

import (
	"flag"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/bundledb/backend/local"
	"github.com/opencivic/datafetcher/bundledb/backend/s3"
	"github.com/opencivic/datafetcher/modules/credentials"
	"github.com/opencivic/datafetcher/modules/fetcher"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/modules/notifier"
	"github.com/opencivic/datafetcher/pkg/util"
)

// Config is the application configuration: which registry to serve recipes
// from and how the shared backends are reached. It is loaded from a yaml
// file, then environment variables, then command line flags, in that order.
type Config struct {
	RegistryDir string `yaml:"registry_dir"`
	// DevMode substitutes local backends for anything cloud-shaped that is
	// not configured explicitly.
	DevMode bool `yaml:"dev_mode"`
	// ExpandEnv also applies environment expansion to recipe files.
	ExpandEnv bool `yaml:"-"`

	Credentials credentials.Config `yaml:"credentials"`
	KVStore     kvstore.Config     `yaml:"kvstore"`
	Storage     bundledb.Config    `yaml:"storage"`
	Notifier    notifier.Config    `yaml:"notifier"`
	Fetcher     fetcher.Config     `yaml:"fetcher"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.RegistryDir, util.PrefixConfig(prefix, "registry-dir"), "", "directory holding recipe definitions.")
	f.BoolVar(&c.DevMode, util.PrefixConfig(prefix, "dev-mode"), false, "run against local substitutes for cloud dependencies.")

	c.KVStore.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "kvstore"), f)
	c.Storage.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "storage"), f)
	c.Notifier.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "notifier"), f)
	c.Fetcher.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "fetcher"), f)
}

func (c *Config) ensureRedis() *kvstore.RedisConfig {
	if c.KVStore.Redis == nil {
		c.KVStore.Redis = &kvstore.RedisConfig{}
	}
	return c.KVStore.Redis
}

func (c *Config) ensureS3() *s3.Config {
	if c.Storage.S3 == nil {
		c.Storage.S3 = &s3.Config{}
	}
	return c.Storage.S3
}

func (c *Config) ensureLocal() *local.Config {
	if c.Storage.Local == nil {
		c.Storage.Local = &local.Config{}
	}
	return c.Storage.Local
}

// ApplyEnvironment layers the container-deployment environment variables
// over the file configuration. lookup defaults to os.LookupEnv, tests inject
// their own.
func (c *Config) ApplyEnvironment(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("DATA_FETCHER_APP_REGISTRY_DIR"); ok {
		c.RegistryDir = v
	}
	if v, ok := lookup("DATA_FETCHER_APP_DEV_MODE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parsing DATA_FETCHER_APP_DEV_MODE")
		}
		c.DevMode = b
	}
	if v, ok := lookup("DATA_FETCHER_APP_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing DATA_FETCHER_APP_CONCURRENCY")
		}
		c.Fetcher.Concurrency = n
	}
	if v, ok := lookup("DATA_FETCHER_APP_TARGET_QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing DATA_FETCHER_APP_TARGET_QUEUE_SIZE")
		}
		c.Fetcher.TargetQueueSize = n
	}

	if v, ok := lookup("OC_CREDENTIAL_PROVIDER_TYPE"); ok {
		c.Credentials.Provider = v
	}
	if v, ok := lookup("OC_CREDENTIAL_PROVIDER_AWS_REGION"); ok {
		c.Credentials.AWSRegion = v
	}

	if host, ok := lookup("OC_KV_STORE_REDIS_HOST"); ok {
		port := "6379"
		if p, ok := lookup("OC_KV_STORE_REDIS_PORT"); ok {
			port = p
		}
		c.KVStore.Backend = kvstore.BackendRedis
		c.ensureRedis().Endpoint = net.JoinHostPort(host, port)
	}
	if v, ok := lookup("OC_KV_STORE_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing OC_KV_STORE_REDIS_DB")
		}
		c.ensureRedis().DB = n
	}
	if v, ok := lookup("OC_KV_STORE_REDIS_PASSWORD"); ok {
		c.ensureRedis().Password = flagext.SecretWithValue(v)
	}
	if v, ok := lookup("OC_KV_STORE_REDIS_KEY_PREFIX"); ok {
		c.ensureRedis().KeyPrefix = v
	}

	if v, ok := lookup("OC_STORAGE_S3_BUCKET"); ok {
		c.Storage.Backend = bundledb.BackendS3
		c.ensureS3().Bucket = v
	}
	if v, ok := lookup("OC_STORAGE_S3_PREFIX"); ok {
		c.ensureS3().Prefix = v
	}
	if v, ok := lookup("OC_STORAGE_S3_REGION"); ok {
		c.ensureS3().Region = v
	}
	if v, ok := lookup("OC_STORAGE_S3_ENDPOINT_URL"); ok {
		if err := c.applyS3Endpoint(v); err != nil {
			return err
		}
	}
	if v, ok := lookup("OC_STORAGE_USE_UNZIP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parsing OC_STORAGE_USE_UNZIP")
		}
		c.Storage.UseUnzip = b
	}

	if v, ok := lookup("OC_SQS_QUEUE_URL"); ok {
		c.Notifier.QueueURL = v
	}

	// AWS_REGION wins over everything, the service-specific region
	// variables included.
	if v, ok := lookup("AWS_REGION"); ok {
		c.Credentials.AWSRegion = v
		c.Notifier.Region = v
		c.ensureS3().Region = v
	}
	return nil
}

// applyS3Endpoint accepts either a bare host:port or a full url, which is
// how container environments usually hand over localstack endpoints.
func (c *Config) applyS3Endpoint(endpoint string) error {
	if !strings.Contains(endpoint, "://") {
		c.ensureS3().Endpoint = endpoint
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrap(err, "parsing OC_STORAGE_S3_ENDPOINT_URL")
	}
	s := c.ensureS3()
	s.Endpoint = u.Host
	s.Insecure = u.Scheme == "http"
	return nil
}

// ApplyDevMode fills anything still pointing at cloud services with local
// substitutes so a checkout runs with no infrastructure at all.
func (c *Config) ApplyDevMode() {
	if !c.DevMode {
		return
	}
	if c.KVStore.Backend == "" {
		c.KVStore.Backend = kvstore.BackendMemory
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = bundledb.BackendLocal
	}
	if c.Storage.Backend == bundledb.BackendLocal && c.ensureLocal().Path == "" {
		c.Storage.Local.Path = "./bundles"
	}
}

// Validate catches configuration that cannot work before anything connects.
func (c *Config) Validate() error {
	if c.RegistryDir == "" {
		return errors.New("a registry directory is required")
	}
	switch c.Storage.Backend {
	case bundledb.BackendLocal:
		if c.Storage.Local == nil || c.Storage.Local.Path == "" {
			return errors.New("local storage requires a path")
		}
	case bundledb.BackendS3:
		if c.Storage.S3 == nil || c.Storage.S3.Bucket == "" {
			return errors.New("s3 storage requires a bucket")
		}
	case "":
		return errors.New("a storage backend is required")
	}
	if c.KVStore.Backend == kvstore.BackendRedis && (c.KVStore.Redis == nil || c.KVStore.Redis.Endpoint == "") {
		return errors.New("redis kvstore requires an endpoint")
	}
	return nil
}
