package local

import (
	"flag"

	"github.com/opencivic/datafetcher/pkg/util"
)

// Config holds the filesystem root bundles are written under.
type Config struct {
	Path string `yaml:"path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, util.PrefixConfig(prefix, "local.path"), "", "path to store bundles at.")
}
