package s3

import (
	"flag"

	"github.com/grafana/dskit/flagext"

	"github.com/opencivic/datafetcher/pkg/util"
)

type Config struct {
	Bucket             string            `yaml:"bucket"`
	Prefix             string            `yaml:"prefix"`
	Endpoint           string            `yaml:"endpoint"`
	Region             string            `yaml:"region"`
	AccessKey          string            `yaml:"access_key"`
	SecretKey          flagext.Secret    `yaml:"secret_key"`
	SessionToken       flagext.Secret    `yaml:"session_token"`
	Insecure           bool              `yaml:"insecure"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	PartSize           uint64            `yaml:"part_size_bytes"`
	// SignatureV2 configures the object storage to use V2 signing instead of V4
	SignatureV2      bool              `yaml:"signature_v2"`
	ForcePathStyle   bool              `yaml:"forcepathstyle"`
	BucketLookupType int               `yaml:"bucket_lookup_type"`
	Tags             map[string]string `yaml:"tags"`
	StorageClass     string            `yaml:"storage_class"`
	Metadata         map[string]string `yaml:"metadata"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Bucket, util.PrefixConfig(prefix, "s3.bucket"), "", "s3 bucket to store bundles in.")
	f.StringVar(&cfg.Prefix, util.PrefixConfig(prefix, "s3.prefix"), "", "key prefix applied to every stored object.")
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "s3.endpoint"), "", "s3 endpoint to push bundles to.")
	f.StringVar(&cfg.Region, util.PrefixConfig(prefix, "s3.region"), "", "s3 region the bucket lives in.")
	f.StringVar(&cfg.AccessKey, util.PrefixConfig(prefix, "s3.access_key"), "", "s3 access key.")
	f.Var(&cfg.SecretKey, util.PrefixConfig(prefix, "s3.secret_key"), "s3 secret key.")
	f.Uint64Var(&cfg.PartSize, util.PrefixConfig(prefix, "s3.part_size_bytes"), defaultPartSize, "multipart upload part size in bytes.")
}
