package bundledb

import (
	"flag"

	"github.com/opencivic/datafetcher/bundledb/backend/local"
	"github.com/opencivic/datafetcher/bundledb/backend/s3"
	"github.com/opencivic/datafetcher/bundledb/tee"
	"github.com/opencivic/datafetcher/pkg/util"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

type Config struct {
	Backend string        `yaml:"backend"`
	Local   *local.Config `yaml:"local"`
	S3      *s3.Config    `yaml:"s3"`

	// UseUnzip wires the zip extracting decorator into the chain.
	UseUnzip bool `yaml:"use_unzip"`

	ChunkSizeBytes  int `yaml:"chunk_size_bytes"`
	HighWaterChunks int `yaml:"high_water_chunks"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Local = &local.Config{}
	cfg.Local.RegisterFlagsAndApplyDefaults(prefix, f)

	cfg.S3 = &s3.Config{}
	cfg.S3.RegisterFlagsAndApplyDefaults(prefix, f)

	f.StringVar(&cfg.Backend, util.PrefixConfig(prefix, "backend"), BackendLocal, "bundle storage backend (local, s3)")
	f.BoolVar(&cfg.UseUnzip, util.PrefixConfig(prefix, "use_unzip"), true, "extract zip archives into derived resources.")
	f.IntVar(&cfg.ChunkSizeBytes, util.PrefixConfig(prefix, "chunk_size_bytes"), tee.DefaultChunkSize, "stream fan-out chunk size in bytes.")
	f.IntVar(&cfg.HighWaterChunks, util.PrefixConfig(prefix, "high_water_chunks"), tee.DefaultHighWater, "buffered chunks per fan-out reader before the producer blocks.")
}
